package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/orchestrate"
	"github.com/loomchat/loom/internal/pending"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/title"
)

// Handler serves the conversation API.
type Handler struct {
	store        storage.Store
	orchestrator *orchestrate.Orchestrator
	titles       *title.Service
	registry     *pending.Registry
	logger       *slog.Logger
	defaultModel string
}

func NewHandler(store storage.Store, orchestrator *orchestrate.Orchestrator, titles *title.Service, registry *pending.Registry, defaultModel string, logger *slog.Logger) *Handler {
	return &Handler{
		store:        store,
		orchestrator: orchestrator,
		titles:       titles,
		registry:     registry,
		logger:       logger,
		defaultModel: defaultModel,
	}
}

// RegisterRoutes mounts the conversation API on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/conversations", func(r chi.Router) {
		r.Post("/", h.createConversation)
		r.Get("/", h.listConversations)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Delete("/", h.deleteConversation)
			r.Post("/messages", h.generateMessage)
			r.Post("/title", h.inferTitle)
			r.Post("/cancel", h.cancelGeneration)
		})
	})
}

type createConversationRequest struct {
	Model         string `json:"model"`
	SearchEnabled bool   `json:"searchEnabled"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	now := time.Now()
	conv := &domain.Conversation{
		ID:             uuid.New().String(),
		Model:          req.Model,
		SearchEnabled:  req.SearchEnabled,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	AddLogField(r.Context(), "conversation_id", conv.ID)
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{Limit: 50}
	convs, err := h.store.ListConversations(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	Content string `json:"content"`
}

// generateMessage appends a user message, runs the generation loop, and
// streams the typed events back as newline-delimited JSON.
func (h *Handler) generateMessage(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	AddLogField(r.Context(), "conversation_id", convID)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	streamCtx, err := h.registry.Begin(r.Context(), convID)
	if err != nil {
		if errors.Is(err, pending.ErrGenerationInFlight) {
			writeError(w, http.StatusConflict, "generation already in flight")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}
	defer h.registry.End(convID)

	now := time.Now()
	userMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           domain.RoleUser,
		Content:        req.Content,
		CreatedAt:      now,
	}
	if err := h.store.AddMessage(streamCtx, userMsg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to record message")
		return
	}
	assistantMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		CreatedAt:      now,
	}
	if err := h.store.AddMessage(streamCtx, assistantMsg); err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to record message")
		return
	}
	AddLogField(r.Context(), "message_id", assistantMsg.ID)

	// Reload so the orchestrator sees the full message history including the
	// message just added.
	conv, err := h.store.GetConversation(streamCtx, convID)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	events, err := h.orchestrator.Generate(streamCtx, conv, assistantMsg.ID)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	h.streamEvents(w, events, assistantMsg.ID)
}

// streamEvents pumps a channel of events onto the wire, flushing after each
// record so consumers see deltas as they happen.
func (h *Handler) streamEvents(w http.ResponseWriter, events <-chan event.Event, messageID string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := event.NewEncoder(w)

	for ev := range events {
		if err := enc.Encode(&ev); err != nil {
			h.logger.Warn("stream write failed",
				slog.String("message_id", messageID),
				slog.String("error", err.Error()),
			)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if ev.Type == event.TypeError && messageID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.store.SetMessageError(ctx, messageID, ev.ErrorText); err != nil {
				h.logger.Error("failed to record message error",
					slog.String("message_id", messageID),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
	}
}

type titleRequest struct {
	UserPrompt string `json:"userPrompt"`
	AIResponse string `json:"aiResponse"`
}

// inferTitle streams a short conversation title as text events.
func (h *Handler) inferTitle(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	AddLogField(r.Context(), "conversation_id", convID)

	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserPrompt == "" {
		writeError(w, http.StatusBadRequest, "userPrompt is required")
		return
	}

	if _, err := h.store.GetConversation(r.Context(), convID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	events, err := h.titles.Infer(r.Context(), convID, req.UserPrompt, req.AIResponse)
	if err != nil {
		if errors.Is(err, title.ErrInFlight) {
			writeError(w, http.StatusConflict, "title inference already in flight")
			return
		}
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to start title inference")
		return
	}

	h.streamEvents(w, events, "")
}

// cancelGeneration aborts the in-flight generation for a conversation.
// Canceling a conversation with nothing pending is a no-op.
func (h *Handler) cancelGeneration(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	AddLogField(r.Context(), "conversation_id", convID)

	h.registry.Cancel(convID)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
