// Package client drives the consuming side of the streaming pipeline: it
// opens the generation stream, reconstructs the assistant message through the
// assembler, tracks cancellation, and fires title inference.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/assemble"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/pending"
	"github.com/loomchat/loom/internal/title"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to a loomd server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	registry   *pending.Registry

	mu              sync.Mutex
	titleDispatched map[string]struct{}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{},
		logger:          slog.Default(),
		titleDispatched: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = pending.NewRegistry(nil, c.logger)
	return c
}

// Pending reports whether a generation is in flight for the conversation.
func (c *Client) Pending(convID string) bool {
	return c.registry.Pending(convID)
}

// TitleInFlight reports whether a title inference dispatch is outstanding.
func (c *Client) TitleInFlight(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.titleDispatched[convID]
	return ok
}

// Cancel aborts the in-flight generation for the conversation: the local
// stream read observes the cancellation at its next boundary, and the server
// is asked to stop and mark the assistant message terminated.
func (c *Client) Cancel(convID string) {
	c.registry.Cancel(convID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/conversations/%s/cancel", c.baseURL, convID), nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("cancel request failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()
}

// CreateConversation creates a conversation on the server.
func (c *Client) CreateConversation(ctx context.Context, model string, searchEnabled bool) (*domain.Conversation, error) {
	body, _ := json.Marshal(map[string]any{
		"model":         model,
		"searchEnabled": searchEnabled,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create conversation returned status %d", resp.StatusCode)
	}

	var conv domain.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// SendMessage sends a user message and drives the response stream to
// completion, abort, or error. The conversation is mutated in place: a user
// message and an assistant placeholder are appended before the stream opens,
// and the placeholder is filled in as events arrive. The assistant message is
// returned in its terminal state.
func (c *Client) SendMessage(ctx context.Context, conv *domain.Conversation, text string) (*domain.Message, error) {
	userMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      time.Now(),
	}
	assistantMsg := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		CreatedAt:      time.Now(),
	}
	conv.Messages = append(conv.Messages, userMsg, assistantMsg)

	streamCtx, err := c.registry.Begin(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer c.registry.End(conv.ID)

	body, _ := json.Marshal(map[string]string{"content": text})
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, conv.ID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if streamCtx.Err() != nil {
			assistantMsg.Terminated = true
			return assistantMsg, nil
		}
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate returned status %d", resp.StatusCode)
	}

	c.consumeStream(streamCtx, conv, text, assistantMsg, resp.Body)
	return assistantMsg, nil
}

// consumeStream reads events until the stream ends or the read is aborted.
func (c *Client) consumeStream(ctx context.Context, conv *domain.Conversation, userText string, assistantMsg *domain.Message, r io.Reader) {
	asm := assemble.New(assistantMsg)
	dec := event.NewDecoder(r)

	for {
		ev, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, event.ErrInvalid) {
				// Malformed record: drop and keep reading. Unrelated
				// in-flight parts are untouched.
				c.logger.Warn("dropping invalid stream event",
					slog.String("conversation_id", conv.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ctx.Err() != nil {
				// Abort-triggered read failure: leave open parts exactly
				// as accumulated.
				asm.Terminate()
				return
			}
			assistantMsg.Error = err.Error()
			return
		}

		if err := asm.Apply(ev); err != nil {
			c.logger.Error("assembler rejected event",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.maybeTriggerTitle(conv, userText, asm)
	}

	// Stream closed without an explicit finish still counts as ended for
	// the title trigger. Errored and aborted streams never trigger one.
	if !asm.Errored() && !assistantMsg.Terminated {
		c.maybeTriggerTitleState(conv, userText, asm.LastText(), true)
	}
}

func (c *Client) maybeTriggerTitle(conv *domain.Conversation, userText string, asm *assemble.Assembler) {
	if asm.Errored() {
		return
	}
	c.maybeTriggerTitleState(conv, userText, asm.LastText(), asm.Finished())
}

func (c *Client) maybeTriggerTitleState(conv *domain.Conversation, userText, lastText string, streamEnded bool) {
	c.mu.Lock()
	_, dispatched := c.titleDispatched[conv.ID]
	state := title.TriggerState{
		Title:       conv.Title,
		Dispatched:  dispatched,
		StreamEnded: streamEnded,
		Text:        lastText,
	}
	if !title.ShouldTrigger(state) {
		c.mu.Unlock()
		return
	}
	c.titleDispatched[conv.ID] = struct{}{}
	c.mu.Unlock()

	// Fire and forget: the title stream is read independently and never
	// blocks the main stream.
	go c.streamTitle(conv, userText, lastText)
}

// streamTitle opens the title stream and overwrites the conversation title
// with the running concatenation as deltas arrive.
func (c *Client) streamTitle(conv *domain.Conversation, userPrompt, aiResponse string) {
	defer func() {
		c.mu.Lock()
		delete(c.titleDispatched, conv.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"userPrompt": userPrompt,
		"aiResponse": aiResponse,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/conversations/%s/title", c.baseURL, conv.ID), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("title request failed",
			slog.String("conversation_id", conv.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	dec := event.NewDecoder(resp.Body)
	var running string
	for {
		ev, err := dec.Decode()
		if err != nil {
			return
		}
		switch ev.Type {
		case event.TypeTextDelta:
			// The main stream loop reads the title on every event when
			// evaluating the trigger, so writes take the same lock.
			running += ev.Delta
			c.mu.Lock()
			conv.Title = running
			c.mu.Unlock()
		case event.TypeFinish:
			return
		case event.TypeError:
			// No retry; the title stays empty.
			return
		}
	}
}
