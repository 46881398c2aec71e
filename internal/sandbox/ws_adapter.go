package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/hkdf"

	"github.com/google/uuid"
)

// WSAdapter drives a remote sandbox runner over a single framed websocket
// connection per session, mirroring the teacher's internal/controlplane/
// websocket.Hub bidirectional probe transport: one connection, a ping/pong
// keepalive, and typed envelope frames multiplexed by session id.
type WSAdapter struct {
	DialURL          string
	SigningSecret    []byte
	WallClockTimeout time.Duration
	PingEvery        time.Duration

	dial func(url string) (*websocket.Conn, error)

	connsMu sync.Mutex
	conns_  map[string]*websocket.Conn
}

// NewWSAdapter constructs a WSAdapter. signingSecret derives a per-session
// HMAC key via HKDF (keyed on the session id) that signs each dispatched
// command's kind, so commands can be authenticated by the remote runner
// without transmitting the raw secret on the wire.
func NewWSAdapter(dialURL string, signingSecret []byte, wallClockTimeout, pingEvery time.Duration) *WSAdapter {
	if wallClockTimeout <= 0 {
		wallClockTimeout = 10 * time.Minute
	}
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	return &WSAdapter{
		DialURL: dialURL, SigningSecret: signingSecret,
		WallClockTimeout: wallClockTimeout, PingEvery: pingEvery,
		dial: func(url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		},
	}
}

// envelope is the wire frame exchanged with the remote sandbox runner.
type envelope struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (a *WSAdapter) sign(sessionID, kind string) (string, error) {
	if len(a.SigningSecret) == 0 {
		return "", nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, a.SigningSecret, nil, []byte(sessionID)), key); err != nil {
		return "", fmt.Errorf("sandbox: derive signing key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(kind))
	return fmt.Sprintf("%x", mac.Sum(nil)), nil
}

func (a *WSAdapter) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	h := Handle{ID: uuid.New().String(), Meta: map[string]string{"transport": "websocket"}}
	spec.Env = sanitizeEnv(spec.Env, spec.EnvAllowlist)

	conn, err := a.dial(a.DialURL)
	if err != nil {
		return Handle{}, fmt.Errorf("sandbox: dial %s: %w", a.DialURL, err)
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		conn.Close()
		return Handle{}, fmt.Errorf("sandbox: marshal create spec: %w", err)
	}
	sig, err := a.sign(h.ID, "create")
	if err != nil {
		conn.Close()
		return Handle{}, err
	}
	env := envelope{Kind: "create", SessionID: h.ID, Signature: sig, Payload: payload}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return Handle{}, fmt.Errorf("sandbox: send create: %w", err)
	}

	a.conns().set(h.ID, conn)
	return h, nil
}

func (a *WSAdapter) Upload(ctx context.Context, h Handle, localPath, sandboxPath string) error {
	conn, ok := a.conns().get(h.ID)
	if !ok {
		return fmt.Errorf("sandbox: unknown handle %s", h.ID)
	}
	sig, err := a.sign(h.ID, "upload")
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"local_path": localPath, "sandbox_path": sandboxPath})
	return conn.WriteJSON(envelope{Kind: "upload", SessionID: h.ID, Signature: sig, Payload: payload})
}

func (a *WSAdapter) Stream(ctx context.Context, h Handle) (<-chan Signal, error) {
	conn, ok := a.conns().get(h.ID)
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown handle %s", h.ID)
	}
	out := make(chan Signal, 64)
	runCtx, cancel := context.WithTimeout(ctx, a.WallClockTimeout)

	go func() {
		defer cancel()
		defer close(out)
		ticker := time.NewTicker(a.PingEvery)
		defer ticker.Stop()
		msgs := make(chan envelope, 8)
		errs := make(chan error, 1)
		go func() {
			for {
				var env envelope
				if err := conn.ReadJSON(&env); err != nil {
					errs <- err
					return
				}
				msgs <- env
			}
		}()
		for {
			select {
			case <-runCtx.Done():
				out <- Signal{Kind: SignalError, Payload: []byte("wall clock timeout exceeded"), TS: time.Now().UTC()}
				return
			case <-ticker.C:
				conn.WriteMessage(websocket.PingMessage, nil)
			case err := <-errs:
				out <- Signal{Kind: SignalError, Payload: []byte(err.Error()), TS: time.Now().UTC()}
				return
			case env := <-msgs:
				sig := SignalKind(env.Kind)
				out <- Signal{Kind: sig, Payload: env.Payload, TS: time.Now().UTC()}
				if sig == SignalResult || sig == SignalError {
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *WSAdapter) Extract(ctx context.Context, h Handle, sandboxPath string) ([]byte, error) {
	conn, ok := a.conns().get(h.ID)
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown handle %s", h.ID)
	}
	sig, err := a.sign(h.ID, "extract")
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]string{"sandbox_path": sandboxPath})
	if err := conn.WriteJSON(envelope{Kind: "extract", SessionID: h.ID, Signature: sig, Payload: payload}); err != nil {
		return nil, fmt.Errorf("sandbox: send extract: %w", err)
	}
	var resp envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("sandbox: read extract response: %w", err)
	}
	return resp.Payload, nil
}

func (a *WSAdapter) Stop(ctx context.Context, h Handle, reason string) error {
	conn, ok := a.conns().get(h.ID)
	if !ok {
		return nil
	}
	sig, _ := a.sign(h.ID, "stop")
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	conn.WriteJSON(envelope{Kind: "stop", SessionID: h.ID, Signature: sig, Payload: payload})
	a.conns().delete(h.ID)
	return conn.Close()
}

// conns lazily initializes the adapter's connection table so WSAdapter's
// zero value (used in tests that only exercise signing) doesn't need an
// explicit constructor call.
func (a *WSAdapter) conns() *connTable {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	if a.conns_ == nil {
		a.conns_ = map[string]*websocket.Conn{}
	}
	return &connTable{mu: &a.connsMu, m: a.conns_}
}

type connTable struct {
	mu *sync.Mutex
	m  map[string]*websocket.Conn
}

func (t *connTable) set(id string, c *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = c
}
func (t *connTable) get(id string) (*websocket.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.m[id]
	return c, ok
}
func (t *connTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}
