package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/orchestrate"
	"github.com/loomchat/loom/internal/pending"
	"github.com/loomchat/loom/internal/storage/memory"
	"github.com/loomchat/loom/internal/title"
	"github.com/loomchat/loom/internal/tool"
)

// scriptedModel replays one chunk script per invocation. An optional gate
// blocks the stream until released so tests can observe in-flight state.
type scriptedModel struct {
	mu      sync.Mutex
	scripts [][]domain.ModelChunk
	calls   int
	gate    chan struct{}
}

func (m *scriptedModel) Stream(ctx context.Context, req *domain.ModelRequest) (<-chan domain.ModelChunk, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	gate := m.gate
	m.mu.Unlock()

	var script []domain.ModelChunk
	if idx < len(m.scripts) {
		script = m.scripts[idx]
	} else if len(m.scripts) > 0 {
		script = m.scripts[len(m.scripts)-1]
	}

	ch := make(chan domain.ModelChunk)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func textScript(words ...string) []domain.ModelChunk {
	var chunks []domain.ModelChunk
	for _, w := range words {
		chunks = append(chunks, domain.ModelChunk{TextDelta: w})
	}
	return append(chunks, domain.ModelChunk{FinishReason: domain.FinishStop})
}

func newTestServer(t *testing.T, model domain.ModelClient) (*httptest.Server, *memory.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	tools := tool.NewRegistry()
	tools.Register(tool.NewFetchTool(nil))
	tools.Register(tool.NewWebSearchTool(&tool.StaticSearcher{}))

	orchestrator := orchestrate.New(model, tools, store, orchestrate.WithLogger(logger))
	registry := pending.NewRegistry(store, logger)
	titles := title.NewService(model, store, "title-model", logger)

	srv := New(0, logger)
	handler := NewHandler(store, orchestrator, titles, registry, "test-model", logger)
	handler.RegisterRoutes(srv.Router)

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts, store
}

func createConversation(t *testing.T, ts *httptest.Server, body string) *domain.Conversation {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/conversations", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation status = %d", resp.StatusCode)
	}
	var conv domain.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return &conv
}

func decodeStream(t *testing.T, r io.Reader) []*event.Event {
	t.Helper()
	dec := event.NewDecoder(r)
	var events []*event.Event
	for {
		ev, err := dec.Decode()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		events = append(events, ev)
	}
}

func TestConversationLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})

	conv := createConversation(t, ts, `{"model":"gpt-4o","searchEnabled":true}`)
	if conv.ID == "" || conv.Model != "gpt-4o" || !conv.SearchEnabled {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	resp, err := http.Get(ts.URL + "/v1/conversations/" + conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	var listed struct {
		Conversations []*domain.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listed.Conversations) != 1 {
		t.Fatalf("listed %d conversations, want 1", len(listed.Conversations))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/conversations/"+conv.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/v1/conversations/" + conv.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestConversationDefaultsModel(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})
	conv := createConversation(t, ts, `{}`)
	if conv.Model != "test-model" {
		t.Fatalf("model = %q, want default test-model", conv.Model)
	}
}

func TestGenerateStreamsAndPersists(t *testing.T) {
	model := &scriptedModel{scripts: [][]domain.ModelChunk{textScript("Hello ", "world")}}
	ts, store := newTestServer(t, model)
	conv := createConversation(t, ts, `{}`)

	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/messages",
		"application/json", strings.NewReader(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	events := decodeStream(t, resp.Body)
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	if events[0].Type != event.TypeStart || events[0].MessageID == "" {
		t.Fatalf("first event = %+v, want start with message id", events[0])
	}
	if last := events[len(events)-1]; last.Type != event.TypeFinish {
		t.Fatalf("last event = %+v, want finish", last)
	}

	var text string
	for _, ev := range events {
		if ev.Type == event.TypeTextDelta {
			text += ev.Delta
		}
	}
	if text != "Hello world" {
		t.Fatalf("streamed text = %q", text)
	}

	stored, err := store.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("stored %d messages, want user+assistant", len(stored.Messages))
	}
	assistant := stored.Messages[1]
	if assistant.Role != domain.RoleAssistant {
		t.Fatalf("second message role = %q", assistant.Role)
	}
	if got := assistant.LastTextPart(); got == nil || got.Text != "Hello world" {
		t.Fatalf("persisted text part = %+v", got)
	}
}

func TestGenerateRequiresContent(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})
	conv := createConversation(t, ts, `{}`)

	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/messages",
		"application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerateUnknownConversation(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})

	resp, err := http.Post(ts.URL+"/v1/conversations/nope/messages",
		"application/json", strings.NewReader(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGenerateRejectsDoubleSubmit(t *testing.T) {
	gate := make(chan struct{})
	model := &scriptedModel{
		scripts: [][]domain.ModelChunk{textScript("slow")},
		gate:    gate,
	}
	ts, _ := newTestServer(t, model)
	conv := createConversation(t, ts, `{}`)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/messages",
			"application/json", strings.NewReader(`{"content":"first"}`))
		if err != nil {
			done <- err
			return
		}
		close(started)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		done <- nil
	}()

	<-started

	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/messages",
		"application/json", strings.NewReader(`{"content":"second"}`))
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second generate status = %d, want 409", resp.StatusCode)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first generate: %v", err)
	}
}

func TestTitleStreamsAndPersists(t *testing.T) {
	model := &scriptedModel{scripts: [][]domain.ModelChunk{textScript("Kettle ", "Repair")}}
	ts, store := newTestServer(t, model)
	conv := createConversation(t, ts, `{}`)

	body := bytes.NewReader([]byte(`{"userPrompt":"fix my kettle","aiResponse":"Descale it."}`))
	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/title", "application/json", body)
	if err != nil {
		t.Fatalf("title: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("title status = %d", resp.StatusCode)
	}

	events := decodeStream(t, resp.Body)
	var text string
	for _, ev := range events {
		if ev.Type == event.TypeTextDelta {
			text += ev.Delta
		}
	}
	if text != "Kettle Repair" {
		t.Fatalf("title stream text = %q", text)
	}

	stored, err := store.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if stored.Title != "Kettle Repair" {
		t.Fatalf("persisted title = %q", stored.Title)
	}
}

func TestCancelWithNothingPendingIsNoOp(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})
	conv := createConversation(t, ts, `{}`)

	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(0, logger)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != http.ErrServerClosed {
		t.Fatalf("Start returned %v, want ErrServerClosed", err)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedModel{})

	resp, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}
