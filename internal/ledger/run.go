// Package ledger owns the persistent Run documents (C5): contract snapshot,
// lifecycle state, costs, artifact pointers, and terminal errors. It is the
// sole writer of state, previous_state, timestamps, and cost fields — every
// other subsystem requests changes through it rather than mutating a Run
// directly.
package ledger

import (
	"time"

	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/statemachine"
)

// ErrorInfo captures a run's terminal failure classification.
type ErrorInfo struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ArtifactRef points at one persisted deliverable.
type ArtifactRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Run is the persistent record of one agent execution under one contract.
type Run struct {
	RunID           string               `json:"run_id"`
	WorkspaceID     string               `json:"workspace_id"`
	TemplateID      string               `json:"template_id"`
	TemplateVersion string               `json:"template_version"`
	Contract        contract.Contract    `json:"contract"`
	State           statemachine.State   `json:"state"`
	PreviousState   statemachine.State   `json:"previous_state,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
	ComputeCents    int64                `json:"compute_cents"`
	APICents        int64                `json:"api_cents"`
	LastEventSeq    int64                `json:"last_event_seq"`
	Artifacts       []ArtifactRef        `json:"artifacts,omitempty"`
	Error           *ErrorInfo           `json:"error,omitempty"`
}

// TotalCents enforces invariant P6: total is always the sum, never stored
// independently.
func (r *Run) TotalCents() int64 { return r.ComputeCents + r.APICents }

// KanbanBoard is the precomputed grouping used by the operator dashboard.
type KanbanBoard struct {
	Queue      []*Run `json:"queue"`       // pending, initializing
	Running    []*Run `json:"running"`     // planning, executing, verifying, packaging
	NeedsHuman []*Run `json:"needs_human"` // awaiting_approval, paused
	Done       []*Run `json:"done"`        // completed
	Failed     []*Run `json:"failed"`      // failed, cancelled, timeout
}

func bucket(s statemachine.State) string {
	switch s {
	case statemachine.Pending, statemachine.Initializing:
		return "queue"
	case statemachine.Planning, statemachine.Executing, statemachine.Verifying, statemachine.Packaging:
		return "running"
	case statemachine.AwaitingApproval, statemachine.Paused:
		return "needs_human"
	case statemachine.Completed:
		return "done"
	default:
		return "failed"
	}
}
