// Package sandbox defines the external-interface contract the Orchestrator
// uses to spawn and stream an agent's execution environment (C10), plus two
// implementations: a websocket-transport adapter for a real subprocess
// runner, and an in-process exec.Command-backed adapter used in tests.
//
// Generalized from the teacher's internal/protocol wire envelope and
// internal/controlplane/websocket.Hub (bidirectional probe connection with
// ping/pong keepalive and per-request stream subscriptions), repurposed from
// a remote-probe transport into a sandbox subprocess transport.
package sandbox

import (
	"context"
	"time"
)

// SignalKind enumerates the frames an Adapter's Stream emits.
type SignalKind string

const (
	SignalStdout    SignalKind = "stdout"
	SignalStderr    SignalKind = "stderr"
	SignalResult    SignalKind = "result"
	SignalError     SignalKind = "error"
	SignalHeartbeat SignalKind = "heartbeat"
)

// Signal is one frame of sandbox output.
type Signal struct {
	Kind    SignalKind
	Payload []byte
	TS      time.Time
}

// Handle identifies one created sandbox.
type Handle struct {
	ID   string
	Meta map[string]string
}

// CreateSpec parameterizes Create.
type CreateSpec struct {
	Template     string
	Scopes       []string
	EnvAllowlist []string
	Env          map[string]string // filtered to EnvAllowlist by the adapter before use
}

// Adapter is the Sandbox Adapter interface the Orchestrator drives. All
// methods accept a context for cancellation; implementations must enforce
// their own wall-clock timeout independent of ctx so a forgotten deadline on
// the caller's side cannot leave a sandbox running forever.
type Adapter interface {
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	Upload(ctx context.Context, h Handle, localPath, sandboxPath string) error
	Stream(ctx context.Context, h Handle) (<-chan Signal, error)
	Extract(ctx context.Context, h Handle, sandboxPath string) ([]byte, error)
	Stop(ctx context.Context, h Handle, reason string) error
}

// sanitizeEnv returns only the entries of env whose key appears in allowlist,
// the shared helper both adapters use so "no secrets unless allowlisted" is
// enforced in one place.
func sanitizeEnv(env map[string]string, allowlist []string) map[string]string {
	allowed := make(map[string]bool, len(allowlist))
	for _, k := range allowlist {
		allowed[k] = true
	}
	out := make(map[string]string)
	for k, v := range env {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}
