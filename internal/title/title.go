// Package title generates a short conversation title from the first
// exchange, as a one-shot streaming task independent of the main generation.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/storage"
)

// ErrInFlight is returned when a title stream is already running for the
// conversation. Callers treat it as a no-op trigger.
var ErrInFlight = errors.New("title inference already in flight")

const systemPrompt = "Summarize the exchange in a title of at most 10 words. " +
	"Reply with the title only: no quotes, no trailing punctuation."

// Service runs title inference, deduplicated per conversation.
type Service struct {
	model      domain.ModelClient
	store      storage.Store
	logger     *slog.Logger
	titleModel string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates a title service. titleModel is the model identifier used
// for inference.
func NewService(model domain.ModelClient, store storage.Store, titleModel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		model:      model,
		store:      store,
		titleModel: titleModel,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// Pending reports whether a title stream is running for the conversation.
func (s *Service) Pending(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[convID]
	return ok
}

// Infer streams text deltas for the inferred title. The conversation id is
// added to the in-flight set before dispatch and removed when the stream ends
// or errors; a call while it is present returns ErrInFlight. When the
// underlying generation finishes with reason stop, the concatenated text is
// persisted as the conversation title. A failed stream leaves the title
// empty; there is no retry.
func (s *Service) Infer(ctx context.Context, convID, userPrompt, aiResponse string) (<-chan event.Event, error) {
	s.mu.Lock()
	if _, exists := s.inflight[convID]; exists {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	s.inflight[convID] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inflight, convID)
		s.mu.Unlock()
	}

	req := &domain.ModelRequest{
		Model: s.titleModel,
		Messages: []domain.ModelMessage{
			{Role: domain.RoleSystem, Content: systemPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("User: %s\n\nAssistant: %s", userPrompt, aiResponse)},
		},
	}

	chunks, err := s.model.Stream(ctx, req)
	if err != nil {
		release()
		return nil, fmt.Errorf("title model invocation failed: %w", err)
	}

	out := make(chan event.Event)
	go func() {
		defer close(out)
		defer release()

		id := uuid.New().String()
		var title strings.Builder
		finish := domain.FinishStop
		started := false

		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				s.logger.Warn("title stream failed",
					slog.String("conversation_id", convID),
					slog.String("error", chunk.Err.Error()),
				)
				send(ctx, out, event.Event{Type: event.TypeError, ErrorText: chunk.Err.Error()})
				return

			case chunk.TextDelta != "":
				if !started {
					started = true
					send(ctx, out, event.Event{Type: event.TypeTextStart, ID: id})
				}
				title.WriteString(chunk.TextDelta)
				send(ctx, out, event.Event{Type: event.TypeTextDelta, ID: id, Delta: chunk.TextDelta})

			case chunk.FinishReason != "":
				finish = chunk.FinishReason
			}
		}

		if started {
			send(ctx, out, event.Event{Type: event.TypeTextEnd, ID: id})
		}
		send(ctx, out, event.Event{Type: event.TypeFinish})

		if finish == domain.FinishStop && title.Len() > 0 {
			persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.SetConversationTitle(persistCtx, convID, strings.TrimSpace(title.String())); err != nil {
				s.logger.Error("failed to persist title",
					slog.String("conversation_id", convID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- event.Event, ev event.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
