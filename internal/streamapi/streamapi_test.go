package streamapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
)

func newTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.NewStore(filepath.Join(t.TempDir(), "events.db"), 64)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEvent(t *testing.T, s *eventlog.Store, bus *eventbus.Bus, runID string, seq int64, typ eventlog.Type) {
	t.Helper()
	evt := eventlog.Event{EventID: uuid.New().String(), RunID: runID, Seq: seq, Type: typ, TS: time.Now().UTC()}
	if err := s.Append(context.Background(), evt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	bus.Publish(evt)
}

func TestServeSSEReplaysBacklog(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewBus(16)
	store.RegisterRun("run-1")
	appendEvent(t, store, bus, "run-1", 0, eventlog.TypeRunStarted)

	h := New(store, bus, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{id}/stream", h.ServeSSE)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/runs/run-1/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for i := 0; i < 3; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse line: %v", err)
		}
		lines = append(lines, line)
	}
	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "event: event\n") || !strings.Contains(joined, `"type":"run.started"`) {
		t.Fatalf("expected run.started frame, got %q", joined)
	}
	if !strings.Contains(joined, "id: 0") {
		t.Fatalf("expected seq id 0, got %q", joined)
	}
}

func wsURL(t *testing.T, base, path string) string {
	t.Helper()
	u, err := url.Parse(base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

func TestServeWSHandshakeThenReplaysBacklog(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewBus(16)
	store.RegisterRun("run-2")
	appendEvent(t, store, bus, "run-2", 0, eventlog.TypeRunStarted)

	h := New(store, bus, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{id}/stream/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, srv.URL, "/runs/run-2/stream/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var handshake map[string]any
	if err := conn.ReadJSON(&handshake); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if handshake["kind"] != "subscribed" {
		t.Fatalf("expected subscribed handshake, got %+v", handshake)
	}

	var backlog map[string]any
	if err := conn.ReadJSON(&backlog); err != nil {
		t.Fatalf("read backlog event: %v", err)
	}
	if backlog["kind"] != "event" {
		t.Fatalf("expected event frame, got %+v", backlog)
	}
}

func TestServeWSStreamsLiveEventAfterBacklog(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewBus(16)
	store.RegisterRun("run-3")

	h := New(store, bus, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{id}/stream/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, srv.URL, "/runs/run-3/stream/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var handshake map[string]any
	if err := conn.ReadJSON(&handshake); err != nil {
		t.Fatalf("read handshake: %v", err)
	}

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	appendEvent(t, store, bus, "run-3", 0, eventlog.TypePhaseChanged)

	var frame map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if frame["kind"] != "event" {
		t.Fatalf("expected live event frame, got %+v", frame)
	}
}
