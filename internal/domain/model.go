package domain

import "context"

// ModelMessage is a message in model-consumable form. History replay only
// includes text parts and settled tool parts; failed tool calls carry an
// explicit error marker so the model can see the failure.
type ModelMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool offered to the model for one request.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON Schema
}

// ModelRequest is a single model invocation within the tool-calling loop.
type ModelRequest struct {
	Model    string           `json:"model"`
	Messages []ModelMessage   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ToolCallChunk carries an incremental piece of a tool call the model is
// constructing. Arguments arrive as raw text fragments; the call is complete
// when the chunk's Done flag is set.
type ToolCallChunk struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// ModelChunk is one streaming update from a model invocation. Exactly one of
// the payload fields is meaningful per chunk.
type ModelChunk struct {
	TextDelta      string
	ReasoningDelta string
	ReasoningDone  bool
	ToolCall       *ToolCallChunk
	FinishReason   FinishReason
	Usage          *Usage
	Err            error
}

// ModelClient is the black-box generation capability. Given a model
// identifier, a message history, and a tool set it produces a chunk stream.
// The returned channel is closed when the invocation ends; a transport-level
// failure is delivered as a final chunk with Err set.
type ModelClient interface {
	Stream(ctx context.Context, req *ModelRequest) (<-chan ModelChunk, error)
}
