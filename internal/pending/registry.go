// Package pending tracks in-flight generations per conversation and the
// handles used to cancel them.
package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/storage"
)

// ErrGenerationInFlight is returned by Begin when the conversation already
// has a generation running. Double-submits are rejected rather than allowed
// to interleave writes on the same message timeline.
var ErrGenerationInFlight = errors.New("generation already in flight")

type entry struct {
	cancel   context.CancelFunc
	canceled bool
}

// Registry holds one in-flight flag and cancellation handle per conversation.
// All access goes through the Registry value; there is no ambient global
// state.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	store  storage.Store
	active map[string]*entry
}

// NewRegistry creates a registry. store may be nil in purely client-side use;
// Cancel then skips the terminated write.
func NewRegistry(store storage.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		store:  store,
		active: make(map[string]*entry),
	}
}

// Begin marks the conversation as generating and returns a context derived
// from parent that Cancel aborts. A second Begin while one is in flight
// returns ErrGenerationInFlight.
func (r *Registry) Begin(parent context.Context, convID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[convID]; exists {
		return nil, ErrGenerationInFlight
	}

	ctx, cancel := context.WithCancel(parent)
	r.active[convID] = &entry{cancel: cancel}
	return ctx, nil
}

// Pending reports whether the conversation has a generation in flight.
func (r *Registry) Pending(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.active[convID]
	return exists
}

// Cancel aborts the conversation's in-flight generation, if any. The
// cancellation is cooperative: transports observe it at their next read
// boundary. Exactly one persistence write marks the last assistant message
// terminated, no matter how many times Cancel is called.
func (r *Registry) Cancel(convID string) {
	r.mu.Lock()
	e, exists := r.active[convID]
	if !exists || e.canceled {
		r.mu.Unlock()
		return
	}
	e.canceled = true
	e.cancel()
	r.mu.Unlock()

	if r.store == nil {
		return
	}

	// The canceled stream's own context is dead; the write gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := r.store.LastAssistantMessage(ctx, convID)
	if err != nil {
		r.logger.Error("failed to locate message for termination",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.store.MarkMessageTerminated(ctx, msg.ID); err != nil {
		r.logger.Error("failed to mark message terminated",
			slog.String("conversation_id", convID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// End clears the in-flight flag unconditionally. Callers defer it around the
// whole stream lifecycle so an errored or aborted stream can never leave a
// conversation permanently pending.
func (r *Registry) End(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.active[convID]; exists {
		e.cancel()
		delete(r.active, convID)
	}
}
