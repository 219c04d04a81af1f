package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/event"
	"github.com/loomchat/loom/internal/pending"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeEvents streams the given event records as NDJSON, flushing after each.
func writeEvents(w http.ResponseWriter, events []event.Event) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := event.NewEncoder(w)
	for _, ev := range events {
		enc.Encode(&ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func textResponse(messageID string, words ...string) []event.Event {
	events := []event.Event{
		{Type: event.TypeStart, MessageID: messageID},
		{Type: event.TypeStartStep},
		{Type: event.TypeTextStart, ID: "t1"},
	}
	for _, w := range words {
		events = append(events, event.Event{Type: event.TypeTextDelta, ID: "t1", Delta: w})
	}
	return append(events,
		event.Event{Type: event.TypeTextEnd, ID: "t1"},
		event.Event{Type: event.TypeFinishStep},
		event.Event{Type: event.TypeFinish},
	)
}

func TestSendMessageAssemblesResponse(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeEvents(w, textResponse("m1", "Hello ", "world"))
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	msg, err := c.SendMessage(context.Background(), conv, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "m1" {
		t.Fatalf("message id = %q, want m1 from the start event", msg.ID)
	}
	if got := msg.LastTextPart(); got == nil || got.Text != "Hello world" {
		t.Fatalf("assembled text part = %+v", got)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("conversation has %d messages, want user+assistant", len(conv.Messages))
	}
	if conv.Messages[0].Role != domain.RoleUser || conv.Messages[0].Content != "hi" {
		t.Fatalf("user message = %+v", conv.Messages[0])
	}
	if c.Pending(conv.ID) {
		t.Fatal("conversation still pending after stream end")
	}
}

func TestSendMessageRejectsDoubleSubmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		close(entered)
		<-release
		writeEvents(w, textResponse("m1", "done"))
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.SendMessage(context.Background(), conv, "first")
	}()

	<-entered
	if !c.Pending(conv.ID) {
		t.Fatal("conversation not pending while stream is open")
	}

	_, err := c.SendMessage(context.Background(), conv, "second")
	if !errors.Is(err, pending.ErrGenerationInFlight) {
		t.Fatalf("second SendMessage error = %v, want ErrGenerationInFlight", err)
	}

	close(release)
	wg.Wait()
	if c.Pending(conv.ID) {
		t.Fatal("conversation still pending after stream end")
	}
}

func TestSendMessageSkipsInvalidRecords(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := event.NewEncoder(w)
		enc.Encode(&event.Event{Type: event.TypeStart, MessageID: "m1"})
		enc.Encode(&event.Event{Type: event.TypeTextStart, ID: "t1"})
		// A record no decoder should accept, mid-stream.
		io.WriteString(w, `{"type":"mystery-kind"}`+"\n")
		io.WriteString(w, `not json`+"\n")
		enc.Encode(&event.Event{Type: event.TypeTextDelta, ID: "t1", Delta: "still here"})
		enc.Encode(&event.Event{Type: event.TypeTextEnd, ID: "t1"})
		enc.Encode(&event.Event{Type: event.TypeFinish})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	msg, err := c.SendMessage(context.Background(), conv, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := msg.LastTextPart(); got == nil || got.Text != "still here" {
		t.Fatalf("assembled text part = %+v, want malformed records dropped", got)
	}
	if msg.Error != "" {
		t.Fatalf("message error = %q, want none", msg.Error)
	}
}

func TestCancelTerminatesStream(t *testing.T) {
	sent := make(chan struct{})

	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeEvents(w, []event.Event{
			{Type: event.TypeStart, MessageID: "m1"},
			{Type: event.TypeTextStart, ID: "t1"},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "partial"},
		})
		close(sent)
		<-req.Context().Done()
	})
	r.Post("/v1/conversations/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	type result struct {
		msg *domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.SendMessage(context.Background(), conv, "hi")
		done <- result{msg, err}
	}()

	<-sent
	// The deltas may still be in flight; give the reader a moment to apply
	// them before aborting.
	time.Sleep(50 * time.Millisecond)
	c.Cancel(conv.ID)

	res := <-done
	if res.err != nil {
		t.Fatalf("SendMessage after cancel: %v", res.err)
	}
	if !res.msg.Terminated {
		t.Fatal("message not marked terminated after cancel")
	}
	if got := res.msg.LastTextPart(); got == nil || got.Text != "partial" {
		t.Fatalf("accumulated text = %+v, want partial content kept", got)
	}
}

func TestTitleTriggeredAtStreamEnd(t *testing.T) {
	titleCalled := make(chan struct{})

	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeEvents(w, textResponse("m1", "Descale ", "the ", "kettle."))
	})
	r.Post("/v1/conversations/{id}/title", func(w http.ResponseWriter, req *http.Request) {
		close(titleCalled)
		writeEvents(w, []event.Event{
			{Type: event.TypeTextStart, ID: "t1"},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "Kettle "},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "Repair"},
			{Type: event.TypeTextEnd, ID: "t1"},
			{Type: event.TypeFinish},
		})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	if _, err := c.SendMessage(context.Background(), conv, "fix my kettle"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-titleCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("title endpoint never called")
	}

	// The dispatch flag clears after the title stream is fully consumed;
	// observing it cleared orders the title write before this read.
	deadline := time.Now().Add(2 * time.Second)
	for c.TitleInFlight(conv.ID) {
		if time.Now().After(deadline) {
			t.Fatal("title dispatch never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if conv.Title != "Kettle Repair" {
		t.Fatalf("conversation title = %q", conv.Title)
	}
}

func TestTitleTriggeredEarlyWhileStreamOpen(t *testing.T) {
	titleCalled := make(chan struct{})

	// Enough text to cross the early-trigger length, with a newline placed so
	// the prefix before it also qualifies.
	prefix := strings.Repeat("a", 150) + "\n"
	tail := strings.Repeat("b", 120)

	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		flusher, _ := w.(http.Flusher)
		enc := event.NewEncoder(w)
		enc.Encode(&event.Event{Type: event.TypeStart, MessageID: "m1"})
		enc.Encode(&event.Event{Type: event.TypeTextStart, ID: "t1"})
		enc.Encode(&event.Event{Type: event.TypeTextDelta, ID: "t1", Delta: prefix})
		enc.Encode(&event.Event{Type: event.TypeTextDelta, ID: "t1", Delta: tail})
		flusher.Flush()

		// Hold the stream open until the early trigger has dispatched, so
		// the title stream runs concurrently with this one.
		select {
		case <-titleCalled:
		case <-time.After(2 * time.Second):
			t.Error("title not dispatched while the main stream was open")
		}

		enc.Encode(&event.Event{Type: event.TypeTextDelta, ID: "t1", Delta: " done"})
		enc.Encode(&event.Event{Type: event.TypeTextEnd, ID: "t1"})
		enc.Encode(&event.Event{Type: event.TypeFinish})
	})
	r.Post("/v1/conversations/{id}/title", func(w http.ResponseWriter, req *http.Request) {
		close(titleCalled)
		writeEvents(w, []event.Event{
			{Type: event.TypeTextStart, ID: "t1"},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "Long "},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "Answer"},
			{Type: event.TypeTextEnd, ID: "t1"},
			{Type: event.TypeFinish},
		})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1"}

	if _, err := c.SendMessage(context.Background(), conv, "long question"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.TitleInFlight(conv.ID) {
		if time.Now().After(deadline) {
			t.Fatal("title dispatch never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conv.Title != "Long Answer" {
		t.Fatalf("conversation title = %q", conv.Title)
	}
}

func TestTitleNotRetriggeredWhenSet(t *testing.T) {
	var mu sync.Mutex
	titleCalls := 0

	r := chi.NewRouter()
	r.Post("/v1/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeEvents(w, textResponse("m1", "answer"))
	})
	r.Post("/v1/conversations/{id}/title", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		titleCalls++
		mu.Unlock()
		writeEvents(w, []event.Event{
			{Type: event.TypeTextStart, ID: "t1"},
			{Type: event.TypeTextDelta, ID: "t1", Delta: "Done"},
			{Type: event.TypeTextEnd, ID: "t1"},
			{Type: event.TypeFinish},
		})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL, WithLogger(testLogger()))
	conv := &domain.Conversation{ID: "c1", Title: "Already Titled"}

	if _, err := c.SendMessage(context.Background(), conv, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// Any dispatch would be visible via the in-flight flag before the call
	// lands; drain it either way.
	deadline := time.Now().Add(time.Second)
	for c.TitleInFlight(conv.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if titleCalls != 0 {
		t.Fatalf("title endpoint called %d times for a titled conversation", titleCalls)
	}
}
