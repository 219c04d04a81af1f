package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the structured fragments of an assistant message.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
)

// ToolState tracks the lifecycle of a tool part.
type ToolState string

const (
	ToolStateStart     ToolState = "start"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)

// FinishReason reports why a generation step stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishError     FinishReason = "error"
)

// Part is one unit of assistant output. Text and reasoning parts are keyed by
// the ephemeral per-stream id assigned when the part begins; tool parts are
// keyed by the tool-call id.
type Part struct {
	ID        string    `json:"id"`
	Type      PartType  `json:"type"`
	Text      string    `json:"text,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Completed bool      `json:"completed,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
	State     ToolState `json:"state,omitempty"`
	Input     any       `json:"input,omitempty"`
	Output    any       `json:"output,omitempty"`
	ErrorText string    `json:"errorText,omitempty"`
}

// Usage holds token accounting for a step or an entire turn.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens"`
	ReasoningTokens   int `json:"reasoningTokens"`
	CachedInputTokens int `json:"cachedInputTokens"`
}

// Add folds another usage snapshot into u field-wise. Turn usage is the sum
// of every step's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CachedInputTokens += other.CachedInputTokens
}

// Step is one iteration of the tool-calling loop, recorded as an audit trail
// alongside the final parts.
type Step struct {
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finishReason"`
	ToolName     string       `json:"toolName,omitempty"`
}

// Message belongs to exactly one conversation. The assistant message for a
// turn is created before its stream begins and mutated in place as events
// arrive; it is never replaced.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content,omitempty"`
	Parts          []*Part   `json:"parts,omitempty"`
	Steps          []Step    `json:"steps,omitempty"`
	Usage          Usage     `json:"usage"`
	Error          string    `json:"error,omitempty"`
	Terminated     bool      `json:"terminated,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// LastTextPart returns the most recently appended text part, or nil.
func (m *Message) LastTextPart() *Part {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if m.Parts[i].Type == PartText {
			return m.Parts[i]
		}
	}
	return nil
}

// Conversation owns an ordered list of messages. Title is empty until
// inferred. LastActivityAt orders conversation listings.
type Conversation struct {
	ID             string     `json:"id"`
	Title          string     `json:"title,omitempty"`
	Model          string     `json:"model"`
	SearchEnabled  bool       `json:"searchEnabled,omitempty"`
	Messages       []*Message `json:"messages,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}
