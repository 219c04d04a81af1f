// Package storage defines the persistence boundary for conversations and
// messages. The pipeline writes a message's final parts, steps and usage
// exactly once at stream end; everything else is ordinary record access.
package storage

import (
	"context"
	"errors"

	"github.com/loomchat/loom/internal/domain"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions controls conversation listing. Results are ordered by last
// activity, most recent first.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the record store the pipeline reads and writes.
type Store interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// SetConversationTitle overwrites the conversation title. The title task
	// calls this with the running concatenation as deltas arrive and once
	// more with the final text.
	SetConversationTitle(ctx context.Context, convID, title string) error

	// AddMessage appends a message to its conversation and bumps the
	// conversation's last-activity time.
	AddMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// SaveMessageResult persists the final part list, step audit trail and
	// aggregated usage for a message. Callers skip the write entirely when no
	// parts accumulated.
	SaveMessageResult(ctx context.Context, messageID string, parts []*domain.Part, steps []domain.Step, usage domain.Usage) error

	// SetMessageError records a stream-level error on a message.
	SetMessageError(ctx context.Context, messageID, errText string) error

	// MarkMessageTerminated flags a message whose stream was aborted before
	// natural completion, leaving whatever parts had accumulated.
	MarkMessageTerminated(ctx context.Context, messageID string) error

	// LastAssistantMessage returns the most recent assistant message of a
	// conversation, or ErrNotFound.
	LastAssistantMessage(ctx context.Context, convID string) (*domain.Message, error)

	Close() error
}
