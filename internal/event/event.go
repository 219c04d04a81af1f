// Package event defines the closed set of stream events exchanged between the
// generation orchestrator and consuming clients, plus the newline-delimited
// JSON codec used on the wire.
package event

import (
	"errors"
	"fmt"
)

// Type discriminates stream events.
type Type string

const (
	TypeTextStart      Type = "text-start"
	TypeTextDelta      Type = "text-delta"
	TypeTextEnd        Type = "text-end"
	TypeReasoningStart Type = "reasoning-start"
	TypeReasoningDelta Type = "reasoning-delta"
	TypeReasoningEnd   Type = "reasoning-end"

	TypeToolInputStart      Type = "tool-input-start"
	TypeToolInputDelta      Type = "tool-input-delta"
	TypeToolInputAvailable  Type = "tool-input-available"
	TypeToolInputError      Type = "tool-input-error"
	TypeToolOutputAvailable Type = "tool-output-available"
	TypeToolOutputError     Type = "tool-output-error"

	TypeSourceURL      Type = "source-url"
	TypeSourceDocument Type = "source-document"
	TypeFile           Type = "file"

	TypeStartStep  Type = "start-step"
	TypeFinishStep Type = "finish-step"
	TypeStart      Type = "start"
	TypeFinish     Type = "finish"
	TypeAbort      Type = "abort"
	TypeError      Type = "error"
)

// Event is one record of the stream protocol. Which fields are meaningful
// depends on Type; Validate enforces the per-kind contract. Events sharing an
// ID are totally ordered start -> delta* -> end within one stream.
type Event struct {
	Type Type `json:"type"`

	// Text and reasoning parts are addressed by an ephemeral per-stream id.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Tool events are addressed by the tool-call id.
	ToolCallID     string `json:"toolCallId,omitempty"`
	ToolName       string `json:"toolName,omitempty"`
	InputTextDelta string `json:"inputTextDelta,omitempty"`
	Input          any    `json:"input,omitempty"`
	Output         any    `json:"output,omitempty"`

	// Citation and attachment metadata, passed through untouched.
	SourceID  string `json:"sourceId,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// Lifecycle payloads.
	MessageID string `json:"messageId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// ErrInvalid wraps every validation failure so consumers can distinguish a
// malformed record from a transport fault without aborting in-flight parts.
var ErrInvalid = errors.New("invalid event")

// Validate checks the per-kind field contract. Kinds outside the closed set
// fail; kinds with missing required fields fail.
func (e *Event) Validate() error {
	switch e.Type {
	case TypeTextStart, TypeTextEnd, TypeReasoningStart, TypeReasoningEnd:
		if e.ID == "" {
			return fmt.Errorf("%w: %s requires id", ErrInvalid, e.Type)
		}
	case TypeTextDelta, TypeReasoningDelta:
		if e.ID == "" {
			return fmt.Errorf("%w: %s requires id", ErrInvalid, e.Type)
		}
		if e.Delta == "" {
			return fmt.Errorf("%w: %s requires delta", ErrInvalid, e.Type)
		}
	case TypeToolInputStart:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("%w: %s requires toolCallId and toolName", ErrInvalid, e.Type)
		}
	case TypeToolInputDelta:
		if e.ToolCallID == "" {
			return fmt.Errorf("%w: %s requires toolCallId", ErrInvalid, e.Type)
		}
		if e.InputTextDelta == "" {
			return fmt.Errorf("%w: %s requires inputTextDelta", ErrInvalid, e.Type)
		}
	case TypeToolInputAvailable:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("%w: %s requires toolCallId and toolName", ErrInvalid, e.Type)
		}
	case TypeToolInputError:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("%w: %s requires toolCallId and toolName", ErrInvalid, e.Type)
		}
		if e.ErrorText == "" {
			return fmt.Errorf("%w: %s requires errorText", ErrInvalid, e.Type)
		}
	case TypeToolOutputAvailable:
		if e.ToolCallID == "" {
			return fmt.Errorf("%w: %s requires toolCallId", ErrInvalid, e.Type)
		}
	case TypeToolOutputError:
		if e.ToolCallID == "" || e.ErrorText == "" {
			return fmt.Errorf("%w: %s requires toolCallId and errorText", ErrInvalid, e.Type)
		}
	case TypeSourceURL:
		if e.URL == "" {
			return fmt.Errorf("%w: %s requires url", ErrInvalid, e.Type)
		}
	case TypeSourceDocument:
		if e.SourceID == "" {
			return fmt.Errorf("%w: %s requires sourceId", ErrInvalid, e.Type)
		}
	case TypeFile:
		if e.URL == "" || e.MediaType == "" {
			return fmt.Errorf("%w: %s requires url and mediaType", ErrInvalid, e.Type)
		}
	case TypeError:
		if e.ErrorText == "" {
			return fmt.Errorf("%w: %s requires errorText", ErrInvalid, e.Type)
		}
	case TypeStartStep, TypeFinishStep, TypeStart, TypeFinish, TypeAbort:
		// No required payload.
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Type)
	}
	return nil
}
