// Package streamapi implements the Event Stream Endpoints (C13): an SSE
// handler and a bidirectional WebSocket handler, both replaying backlog from
// an after_seq cursor before switching to live delivery off the Event Bus.
//
// Grounded on the teacher's internal/controlplane/server/routes.go
// handleEventsSSE (flusher pattern, named "event"/keepalive comment lines)
// for the SSE half, and internal/controlplane/websocket/hub.go's ping/pong
// keepalive loop for the WS half — retargeted from probe connections to
// read-only run event subscribers.
package streamapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
)

// Handler serves the stream endpoints for one control plane.
type Handler struct {
	Events *eventlog.Store
	Bus    *eventbus.Bus
	Logger *zap.Logger

	upgrader websocket.Upgrader
}

// New constructs a Handler. CheckOrigin is left permissive since these
// endpoints are read-only and authorization happens upstream of routing.
func New(events *eventlog.Store, bus *eventbus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		Events: events, Bus: bus, Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func afterSeqFrom(r *http.Request) int64 {
	v := r.URL.Query().Get("after_seq")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ServeSSE implements GET /runs/{id}/stream as text/event-stream: every event
// is sent as a named "event: event\nid: <seq>\ndata: <json>\n\n" frame, and a
// named "heartbeat" event every 30s keeps idle connections alive.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	afterSeq := afterSeqFrom(r)
	for _, evt := range h.Events.List(runID, eventlog.Filter{AfterSeq: afterSeq}) {
		writeSSEEvent(w, evt)
		afterSeq = evt.Seq
	}
	flusher.Flush()

	subID := fmt.Sprintf("sse-%s-%d", runID, time.Now().UnixNano())
	ch := h.Bus.Subscribe(subID, runID, eventlog.Filter{AfterSeq: afterSeq})
	defer h.Bus.Unsubscribe(subID)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				// Lagged: the bus dropped this subscription. The client is
				// expected to reconnect with after_seq = the last id it saw.
				fmt.Fprintf(w, "event: lagged\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt eventlog.Event) {
	data, _ := json.Marshal(evt)
	fmt.Fprintf(w, "event: event\nid: %d\ndata: %s\n\n", evt.Seq, data)
}

// wsEnvelope is the minimal frame shape the WS stream sends. "subscribed" is
// the handshake sent immediately after upgrade, carrying the after_seq
// cursor; "event" carries one Event; "lagged" precedes the server closing
// the connection after an overflow.
type wsEnvelope struct {
	Kind     string          `json:"kind"`
	Event    *eventlog.Event `json:"event,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
	AfterSeq *int64          `json:"after_seq,omitempty"`
}

// ServeWS implements the bidirectional WS counterpart of ServeSSE: the same
// backlog-then-live replay, a "subscribed" handshake frame, and a 30s
// ping/pong keepalive. The connection is read-only from the client's
// perspective; any inbound message is ignored beyond updating the pong
// deadline via ReadMessage's loop.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("ws upgrade failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	afterSeq := afterSeqFrom(r)
	if err := conn.WriteJSON(wsEnvelope{Kind: "subscribed", RunID: runID, AfterSeq: &afterSeq}); err != nil {
		return
	}

	for _, evt := range h.Events.List(runID, eventlog.Filter{AfterSeq: afterSeq}) {
		e := evt
		if err := conn.WriteJSON(wsEnvelope{Kind: "event", Event: &e}); err != nil {
			return
		}
		afterSeq = evt.Seq
	}

	subID := fmt.Sprintf("ws-%s-%d", runID, time.Now().UnixNano())
	ch := h.Bus.Subscribe(subID, runID, eventlog.Filter{AfterSeq: afterSeq})
	defer h.Bus.Unsubscribe(subID)

	// Drain and discard inbound frames so pong control frames are processed;
	// a read error (client gone, or we closed the conn) stops the goroutine.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case evt, open := <-ch:
			if !open {
				_ = conn.WriteJSON(wsEnvelope{Kind: "lagged", RunID: runID})
				return
			}
			e := evt
			if err := conn.WriteJSON(wsEnvelope{Kind: "event", Event: &e}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
