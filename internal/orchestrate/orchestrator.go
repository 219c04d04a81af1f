// Package orchestrate runs the server-side generation loop: it drives the
// model through a bounded tool-calling loop, emits the wire event stream,
// aggregates usage across steps and persists the final result.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/tokens"
	"github.com/loomchat/loom/internal/tool"
)

// DefaultMaxSteps bounds the tool-calling loop when no override is given.
// Hitting the cap is a normal stop, not a fault.
const DefaultMaxSteps = 12

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMaxSteps overrides the step cap.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator owns the multi-step generation loop.
type Orchestrator struct {
	model    domain.ModelClient
	tools    *tool.Registry
	store    storage.Store
	counter  *tokens.Counter
	logger   *slog.Logger
	maxSteps int
}

// New creates an orchestrator.
func New(model domain.ModelClient, tools *tool.Registry, store storage.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:    model,
		tools:    tools,
		store:    store,
		counter:  tokens.NewCounter(),
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the mutable state of one generation turn.
type run struct {
	conv      *domain.Conversation
	messageID string

	out   chan event.Event
	parts []*domain.Part
	steps []domain.Step
	usage domain.Usage

	// history grows as steps produce text and tool results.
	history []domain.ModelMessage

	aborted bool
	errored bool
}

// Generate streams the turn for the conversation's in-flight assistant
// message. conv.Messages must already contain the triggering user message;
// the assistant message identified by messageID must already exist in the
// store. The returned channel is closed when the stream ends.
func (o *Orchestrator) Generate(ctx context.Context, conv *domain.Conversation, messageID string) (<-chan event.Event, error) {
	if messageID == "" {
		return nil, fmt.Errorf("generate requires a message id")
	}

	r := &run{
		conv:      conv,
		messageID: messageID,
		out:       make(chan event.Event),
		history:   buildHistory(conv),
	}

	go func() {
		defer close(r.out)
		o.runLoop(ctx, r)
	}()

	return r.out, nil
}

func (o *Orchestrator) runLoop(ctx context.Context, r *run) {
	o.send(ctx, r, event.Event{Type: event.TypeStart, MessageID: r.messageID})

	toolNames := []string{"fetch"}
	if r.conv.SearchEnabled {
		toolNames = append(toolNames, "web_search")
	}
	defs := o.tools.Definitions(toolNames...)

	for step := 0; step < o.maxSteps; step++ {
		o.send(ctx, r, event.Event{Type: event.TypeStartStep})

		outcome, err := o.runStep(ctx, r, defs)
		o.send(ctx, r, event.Event{Type: event.TypeFinishStep})

		if err != nil {
			// Model or transport fault: report and abort the loop. Parts
			// accumulated so far are kept, not discarded.
			o.logger.Error("generation step failed",
				slog.String("conversation_id", r.conv.ID),
				slog.String("message_id", r.messageID),
				slog.Int("step", step),
				slog.String("error", err.Error()),
			)
			r.errored = true
			o.send(ctx, r, event.Event{Type: event.TypeError, ErrorText: err.Error()})
			break
		}
		if r.aborted {
			o.send(ctx, r, event.Event{Type: event.TypeAbort})
			break
		}
		if outcome.finishReason != domain.FinishToolCalls {
			break
		}

		o.executeToolCalls(ctx, r, outcome.toolCalls)
		if r.aborted {
			o.send(ctx, r, event.Event{Type: event.TypeAbort})
			break
		}
	}

	o.persist(r)
	// finish signals normal completion only; errored and aborted streams end
	// on their error/abort event.
	if !r.aborted && !r.errored {
		o.send(ctx, r, event.Event{Type: event.TypeFinish})
	}
}

// stepOutcome reports how a single model invocation ended.
type stepOutcome struct {
	finishReason domain.FinishReason
	toolCalls    []*pendingToolCall
}

// pendingToolCall is a tool call the model finished constructing this step.
type pendingToolCall struct {
	part *domain.Part
	args json.RawMessage
	bad  bool // input failed to parse; already surfaced as tool-input-error
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, defs []domain.ToolDefinition) (*stepOutcome, error) {
	req := &domain.ModelRequest{
		Model:    r.conv.Model,
		Messages: r.history,
		Tools:    defs,
	}

	chunks, err := o.model.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	outcome := &stepOutcome{finishReason: domain.FinishStop}
	var stepUsage domain.Usage
	usageReported := false

	var textPart *domain.Part
	var reasoningPart *domain.Part
	calls := make(map[string]*pendingToolCall)
	var callOrder []string
	rawArgs := make(map[string]string)
	stepText := ""

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			r.aborted = true
			// Drain so the producer goroutine can exit.
			for range chunks {
			}
			return outcome, nil
		default:
		}

		switch {
		case chunk.Err != nil:
			return nil, chunk.Err

		case chunk.TextDelta != "":
			if textPart == nil {
				textPart = &domain.Part{ID: uuid.New().String(), Type: domain.PartText}
				r.parts = append(r.parts, textPart)
				o.send(ctx, r, event.Event{Type: event.TypeTextStart, ID: textPart.ID})
			}
			textPart.Text += chunk.TextDelta
			stepText += chunk.TextDelta
			o.send(ctx, r, event.Event{Type: event.TypeTextDelta, ID: textPart.ID, Delta: chunk.TextDelta})

		case chunk.ReasoningDelta != "":
			if reasoningPart == nil {
				reasoningPart = &domain.Part{ID: uuid.New().String(), Type: domain.PartReasoning}
				r.parts = append(r.parts, reasoningPart)
				o.send(ctx, r, event.Event{Type: event.TypeReasoningStart, ID: reasoningPart.ID})
			}
			reasoningPart.Reasoning += chunk.ReasoningDelta
			o.send(ctx, r, event.Event{Type: event.TypeReasoningDelta, ID: reasoningPart.ID, Delta: chunk.ReasoningDelta})

		case chunk.ReasoningDone:
			if reasoningPart != nil {
				reasoningPart.Completed = true
				o.send(ctx, r, event.Event{Type: event.TypeReasoningEnd, ID: reasoningPart.ID})
				reasoningPart = nil
			}

		case chunk.ToolCall != nil:
			if _, seen := calls[chunk.ToolCall.ID]; !seen {
				callOrder = append(callOrder, chunk.ToolCall.ID)
			}
			o.consumeToolChunk(ctx, r, chunk.ToolCall, calls, rawArgs)

		case chunk.Usage != nil:
			stepUsage.Add(*chunk.Usage)
			usageReported = true

		case chunk.FinishReason != "":
			outcome.finishReason = chunk.FinishReason
		}
	}

	if textPart != nil {
		o.send(ctx, r, event.Event{Type: event.TypeTextEnd, ID: textPart.ID})
	}
	if reasoningPart != nil {
		reasoningPart.Completed = true
		o.send(ctx, r, event.Event{Type: event.TypeReasoningEnd, ID: reasoningPart.ID})
	}
	if stepText != "" {
		r.history = append(r.history, domain.ModelMessage{Role: domain.RoleAssistant, Content: stepText})
	}

	for _, id := range callOrder {
		if call := calls[id]; !call.bad {
			outcome.toolCalls = append(outcome.toolCalls, call)
		}
	}
	if len(outcome.toolCalls) > 0 && outcome.finishReason == domain.FinishStop {
		outcome.finishReason = domain.FinishToolCalls
	}

	if !usageReported {
		stepUsage = o.counter.EstimateStepUsage(r.conv.Model, req, stepText)
	}
	stepRecord := domain.Step{Usage: stepUsage, FinishReason: outcome.finishReason}
	if len(outcome.toolCalls) > 0 {
		stepRecord.ToolName = outcome.toolCalls[0].part.ToolName
	}
	r.steps = append(r.steps, stepRecord)
	r.usage.Add(stepUsage)

	return outcome, nil
}

func (o *Orchestrator) consumeToolChunk(ctx context.Context, r *run, tc *domain.ToolCallChunk, calls map[string]*pendingToolCall, rawArgs map[string]string) {
	call, seen := calls[tc.ID]
	if !seen {
		part := &domain.Part{
			ID:       tc.ID,
			Type:     domain.PartTool,
			ToolName: tc.Name,
			State:    domain.ToolStateStart,
		}
		call = &pendingToolCall{part: part}
		calls[tc.ID] = call
		r.parts = append(r.parts, part)
		o.send(ctx, r, event.Event{Type: event.TypeToolInputStart, ToolCallID: tc.ID, ToolName: tc.Name})
	}
	if call.part.ToolName == "" && tc.Name != "" {
		call.part.ToolName = tc.Name
	}

	if tc.Arguments != "" {
		rawArgs[tc.ID] += tc.Arguments
		o.send(ctx, r, event.Event{Type: event.TypeToolInputDelta, ToolCallID: tc.ID, InputTextDelta: tc.Arguments})
	}

	if tc.Done {
		raw := rawArgs[tc.ID]
		var input any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			call.bad = true
			call.part.State = domain.ToolStateError
			call.part.ErrorText = fmt.Sprintf("invalid tool input: %v", err)
			o.send(ctx, r, event.Event{
				Type:       event.TypeToolInputError,
				ToolCallID: tc.ID,
				ToolName:   call.part.ToolName,
				Input:      raw,
				ErrorText:  call.part.ErrorText,
			})
			r.history = append(r.history, toolErrorMessage(call.part.ToolName, call.part.ErrorText))
			return
		}
		call.part.Input = input
		call.args = json.RawMessage(raw)
		o.send(ctx, r, event.Event{
			Type:       event.TypeToolInputAvailable,
			ToolCallID: tc.ID,
			ToolName:   call.part.ToolName,
			Input:      input,
		})
	}
}

// executeToolCalls runs each settled tool call. A tool failure is surfaced to
// the model and the stream but never aborts the loop.
func (o *Orchestrator) executeToolCalls(ctx context.Context, r *run, calls []*pendingToolCall) {
	for _, call := range calls {
		if ctx.Err() != nil {
			r.aborted = true
			return
		}

		t, err := o.tools.Get(call.part.ToolName)
		if err == nil {
			var output any
			output, err = t.Invoke(ctx, call.args)
			if err == nil {
				call.part.State = domain.ToolStateCompleted
				call.part.Output = output
				o.send(ctx, r, event.Event{
					Type:       event.TypeToolOutputAvailable,
					ToolCallID: call.part.ID,
					Output:     output,
				})
				r.history = append(r.history, toolResultMessage(call.part.ToolName, output))
				continue
			}
		}
		if ctx.Err() != nil {
			r.aborted = true
			return
		}

		call.part.State = domain.ToolStateError
		call.part.ErrorText = err.Error()
		o.logger.Warn("tool execution failed",
			slog.String("conversation_id", r.conv.ID),
			slog.String("tool", call.part.ToolName),
			slog.String("error", err.Error()),
		)
		o.send(ctx, r, event.Event{
			Type:       event.TypeToolOutputError,
			ToolCallID: call.part.ID,
			ErrorText:  err.Error(),
		})
		r.history = append(r.history, toolErrorMessage(call.part.ToolName, err.Error()))
	}
}

// persist writes the final part list, step trail and aggregated usage. A run
// that accumulated no parts writes nothing.
func (o *Orchestrator) persist(r *run) {
	if len(r.parts) == 0 {
		return
	}

	// The stream context may already be canceled; the write gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.SaveMessageResult(ctx, r.messageID, r.parts, r.steps, r.usage); err != nil {
		o.logger.Error("failed to persist message result",
			slog.String("conversation_id", r.conv.ID),
			slog.String("message_id", r.messageID),
			slog.String("error", err.Error()),
		)
	}
}

// send delivers an event unless the consumer is gone.
func (o *Orchestrator) send(ctx context.Context, r *run, ev event.Event) {
	select {
	case r.out <- ev:
	case <-ctx.Done():
		r.aborted = true
	}
}

// buildHistory converts stored conversation messages into model-consumable
// form. Only text parts and settled tool parts are replayed; error-state tool
// parts carry an explicit error marker so the model can see the failure.
func buildHistory(conv *domain.Conversation) []domain.ModelMessage {
	var history []domain.ModelMessage
	for _, msg := range conv.Messages {
		switch msg.Role {
		case domain.RoleUser, domain.RoleSystem:
			if msg.Content != "" {
				history = append(history, domain.ModelMessage{Role: msg.Role, Content: msg.Content})
			}
		case domain.RoleAssistant:
			if len(msg.Parts) == 0 {
				if msg.Content != "" {
					history = append(history, domain.ModelMessage{Role: msg.Role, Content: msg.Content})
				}
				continue
			}
			for _, part := range msg.Parts {
				switch part.Type {
				case domain.PartText:
					if part.Text != "" {
						history = append(history, domain.ModelMessage{Role: domain.RoleAssistant, Content: part.Text})
					}
				case domain.PartTool:
					switch part.State {
					case domain.ToolStateCompleted:
						history = append(history, toolResultMessage(part.ToolName, part.Output))
					case domain.ToolStateError:
						history = append(history, toolErrorMessage(part.ToolName, part.ErrorText))
					}
					// Reasoning parts are never replayed.
				}
			}
		}
	}
	return history
}

func toolResultMessage(toolName string, output any) domain.ModelMessage {
	data, err := json.Marshal(output)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", output))
	}
	return domain.ModelMessage{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf("[tool %s result] %s", toolName, data),
	}
}

func toolErrorMessage(toolName, errText string) domain.ModelMessage {
	return domain.ModelMessage{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf("[tool %s error] %s", toolName, errText),
	}
}
