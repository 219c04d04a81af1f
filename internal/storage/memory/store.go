package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string]*domain.Message),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	conv.CreatedAt = time.Now()
	conv.LastActivityAt = conv.CreatedAt
	conv.Messages = nil

	s.conversations[conv.ID] = conv
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, conv)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*domain.Conversation{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	for _, msg := range conv.Messages {
		delete(s.messages, msg.ID)
	}
	delete(s.conversations, id)
	return nil
}

func (s *Store) SetConversationTitle(ctx context.Context, convID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}
	conv.Title = title
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[msg.ConversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, storage.ErrNotFound)
	}

	msg.CreatedAt = time.Now()
	conv.Messages = append(conv.Messages, msg)
	conv.LastActivityAt = msg.CreatedAt
	s.messages[msg.ID] = msg
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return msg, nil
}

func (s *Store) SaveMessageResult(ctx context.Context, messageID string, parts []*domain.Part, steps []domain.Step, usage domain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[messageID]
	if !exists {
		return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
	}
	msg.Parts = parts
	msg.Steps = steps
	msg.Usage = usage
	return nil
}

func (s *Store) SetMessageError(ctx context.Context, messageID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[messageID]
	if !exists {
		return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
	}
	msg.Error = errText
	return nil
}

func (s *Store) MarkMessageTerminated(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[messageID]
	if !exists {
		return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
	}
	msg.Terminated = true
	return nil
}

func (s *Store) LastAssistantMessage(ctx context.Context, convID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == domain.RoleAssistant {
			return conv.Messages[i], nil
		}
	}
	return nil, fmt.Errorf("no assistant message in conversation %s: %w", convID, storage.ErrNotFound)
}

func (s *Store) Close() error {
	return nil
}
