// Package assemble reconstructs a structured assistant message from the flat
// event stream, mapping interleaved delta events onto parts addressed by
// their ephemeral ids.
package assemble

import (
	"fmt"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
)

// Assembler applies stream events to one in-flight assistant message. The
// message is mutated in place; parts are appended the first time their start
// event is seen, so display and storage order always equals first-seen order
// regardless of how deltas interleave across concurrently open parts.
//
// The id map is local to one stream invocation; discard the assembler when
// the stream ends.
type Assembler struct {
	msg      *domain.Message
	open     map[string]*domain.Part
	finished bool
	errored  bool
}

// New creates an assembler targeting msg.
func New(msg *domain.Message) *Assembler {
	return &Assembler{
		msg:  msg,
		open: make(map[string]*domain.Part),
	}
}

// Message returns the target message.
func (a *Assembler) Message() *domain.Message { return a.msg }

// Finished reports whether the stream reached its normal end.
func (a *Assembler) Finished() bool { return a.finished }

// Errored reports whether a stream-level error event was observed.
func (a *Assembler) Errored() bool { return a.errored }

// LastText returns the accumulated content of the most recent text part.
func (a *Assembler) LastText() string {
	if p := a.msg.LastTextPart(); p != nil {
		return p.Text
	}
	return ""
}

// Apply folds one event into the message. The switch is exhaustive over the
// closed kind set; a kind missing an arm is a programming error surfaced as
// an error return.
func (a *Assembler) Apply(ev *event.Event) error {
	switch ev.Type {
	case event.TypeTextStart:
		part := &domain.Part{ID: ev.ID, Type: domain.PartText}
		a.open[ev.ID] = part
		a.msg.Parts = append(a.msg.Parts, part)

	case event.TypeTextDelta:
		if part, ok := a.open[ev.ID]; ok {
			part.Text += ev.Delta
		}

	case event.TypeTextEnd:
		// Text parts carry no completion flag; nothing to settle.

	case event.TypeReasoningStart:
		part := &domain.Part{ID: ev.ID, Type: domain.PartReasoning}
		a.open[ev.ID] = part
		a.msg.Parts = append(a.msg.Parts, part)

	case event.TypeReasoningDelta:
		if part, ok := a.open[ev.ID]; ok {
			part.Reasoning += ev.Delta
		}

	case event.TypeReasoningEnd:
		if part, ok := a.open[ev.ID]; ok {
			part.Completed = true
		}

	case event.TypeToolInputStart:
		part := &domain.Part{
			ID:       ev.ToolCallID,
			Type:     domain.PartTool,
			ToolName: ev.ToolName,
			State:    domain.ToolStateStart,
		}
		a.open[ev.ToolCallID] = part
		a.msg.Parts = append(a.msg.Parts, part)

	case event.TypeToolInputDelta:
		// Textual echo of the input being constructed; buffered on the
		// provisional output until the structured input arrives.
		if part, ok := a.open[ev.ToolCallID]; ok {
			text, _ := part.Output.(string)
			part.Output = text + ev.InputTextDelta
		}

	case event.TypeToolInputAvailable:
		if part, ok := a.open[ev.ToolCallID]; ok {
			part.Input = ev.Input
			part.Output = nil
		}

	case event.TypeToolInputError:
		if part, ok := a.open[ev.ToolCallID]; ok {
			part.State = domain.ToolStateError
			part.ErrorText = ev.ErrorText
			if ev.Input != nil {
				part.Input = ev.Input
			}
		}

	case event.TypeToolOutputAvailable:
		if part, ok := a.open[ev.ToolCallID]; ok {
			part.State = domain.ToolStateCompleted
			part.Output = ev.Output
		}

	case event.TypeToolOutputError:
		if part, ok := a.open[ev.ToolCallID]; ok {
			part.State = domain.ToolStateError
			part.ErrorText = ev.ErrorText
		}

	case event.TypeSourceURL, event.TypeSourceDocument, event.TypeFile:
		// Citation and attachment metadata pass through untouched.

	case event.TypeStartStep, event.TypeFinishStep:
		// Step boundaries carry no client-visible state.

	case event.TypeStart:
		if ev.MessageID != "" && a.msg.ID == "" {
			a.msg.ID = ev.MessageID
		}

	case event.TypeFinish:
		a.finished = true

	case event.TypeAbort:
		a.msg.Terminated = true

	case event.TypeError:
		// A stream error does not close individual parts.
		a.errored = true
		a.msg.Error = ev.ErrorText

	default:
		return fmt.Errorf("unhandled event kind %q", ev.Type)
	}
	return nil
}

// Terminate marks the message aborted, leaving all open parts exactly as
// accumulated. Called when the transport read fails due to cancellation.
func (a *Assembler) Terminate() {
	a.msg.Terminated = true
}
