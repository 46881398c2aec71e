package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/statemachine"
)

// ErrNotFound is returned when a run id has no matching document.
var ErrNotFound = fmt.Errorf("run not found")

// Ledger is the process-wide singleton store of Run documents. Reads are
// served from an in-memory index kept consistent with SQLite under a single
// mutex; writes go through both on every call so list_by_state/kanban_board
// never require a full table scan.
type Ledger struct {
	db *sql.DB

	mu    sync.RWMutex
	byID  map[string]*Run
}

// New opens (or creates) the ledger database at dbPath, sharing the
// WAL/busy-timeout conventions used by the event log.
func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	state TEXT NOT NULL,
	doc TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs schema: %w", err)
	}
	l := &Ledger{db: db, byID: make(map[string]*Run)}
	if err := l.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadAll() error {
	rows, err := l.db.Query(`SELECT doc FROM runs`)
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		var r Run
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return fmt.Errorf("decode run doc: %w", err)
		}
		l.byID[r.RunID] = &r
	}
	return rows.Err()
}

func (l *Ledger) persist(r *Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run doc: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT INTO runs (run_id, workspace_id, state, doc, updated_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET workspace_id=excluded.workspace_id, state=excluded.state,
		 doc=excluded.doc, updated_at=excluded.updated_at`,
		r.RunID, r.WorkspaceID, string(r.State), string(doc), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// CreateRun registers a new run in `pending` state with the given contract
// snapshot. The contract is copied by value into the run; later edits to the
// caller's Contract do not affect the stored snapshot.
func (l *Ledger) CreateRun(workspaceID, templateID, templateVersion string, c contract.Contract) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	r := &Run{
		RunID:           uuid.New().String(),
		WorkspaceID:     workspaceID,
		TemplateID:      templateID,
		TemplateVersion: templateVersion,
		Contract:        c,
		State:           statemachine.Pending,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastEventSeq:    -1,
	}
	if err := l.persist(r); err != nil {
		return nil, err
	}
	l.byID[r.RunID] = r
	return cloneRun(r), nil
}

// GetRun returns a copy of the run document for runID.
func (l *Ledger) GetRun(runID string) (*Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

// ListByWorkspace returns all runs belonging to workspaceID.
func (l *Ledger) ListByWorkspace(workspaceID string) []*Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Run
	for _, r := range l.byID {
		if r.WorkspaceID == workspaceID {
			out = append(out, cloneRun(r))
		}
	}
	return out
}

// ListByState returns all runs currently in state s.
func (l *Ledger) ListByState(s statemachine.State) []*Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Run
	for _, r := range l.byID {
		if r.State == s {
			out = append(out, cloneRun(r))
		}
	}
	return out
}

// KanbanBoard groups every run into the five operator-facing buckets.
func (l *Ledger) KanbanBoard() KanbanBoard {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b KanbanBoard
	for _, r := range l.byID {
		c := cloneRun(r)
		switch bucket(r.State) {
		case "queue":
			b.Queue = append(b.Queue, c)
		case "running":
			b.Running = append(b.Running, c)
		case "needs_human":
			b.NeedsHuman = append(b.NeedsHuman, c)
		case "done":
			b.Done = append(b.Done, c)
		default:
			b.Failed = append(b.Failed, c)
		}
	}
	return b
}

// TransitionState validates and applies a state-machine transition to runID,
// mutating state, previous_state, and the started_at/completed_at timestamps
// as §4.2 dictates. It is the only place any of those fields are written.
func (l *Ledger) TransitionState(runID string, to statemachine.State, errInfo *ErrorInfo) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.byID[runID]
	if !ok {
		return nil, ErrNotFound
	}
	result, err := statemachine.Transition(r.State, to)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	// A pause raised while awaiting approval keeps the state captured when
	// the approval was requested, so a later resume returns there.
	if result.CapturePrevious && r.State != statemachine.AwaitingApproval {
		r.PreviousState = r.State
	}
	r.State = to
	if result.SetStartedAt {
		r.StartedAt = &now
	}
	if result.SetCompletedAt {
		r.CompletedAt = &now
	}
	if errInfo != nil {
		r.Error = errInfo
	}
	r.UpdatedAt = now
	if err := l.persist(r); err != nil {
		return nil, err
	}
	return cloneRun(r), nil
}

// Resume transitions runID back to its captured previous_state, per §4.2's
// resume-from-awaiting_approval/paused rule.
func (l *Ledger) Resume(runID string) (*Run, error) {
	l.mu.RLock()
	r, ok := l.byID[runID]
	target := statemachine.State("")
	if ok {
		target = r.PreviousState
	}
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return l.TransitionState(runID, target, nil)
}

// UpdateCost applies deltas to compute/API cents and recomputes total as
// their sum (P6). It returns the new total so the caller (Cost Tracker) can
// check it against contract.max_cost_cents.
func (l *Ledger) UpdateCost(runID string, dCompute, dAPI int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[runID]
	if !ok {
		return 0, ErrNotFound
	}
	r.ComputeCents += dCompute
	r.APICents += dAPI
	r.UpdatedAt = time.Now().UTC()
	if err := l.persist(r); err != nil {
		return 0, err
	}
	return r.TotalCents(), nil
}

// AddArtifact appends a persisted artifact pointer to the run.
func (l *Ledger) AddArtifact(runID string, ref ArtifactRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[runID]
	if !ok {
		return ErrNotFound
	}
	r.Artifacts = append(r.Artifacts, ref)
	r.UpdatedAt = time.Now().UTC()
	return l.persist(r)
}

// SetLastEventSeq records the seq of the most recently appended event, per
// invariant (b) in §3.
func (l *Ledger) SetLastEventSeq(runID string, seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[runID]
	if !ok {
		return ErrNotFound
	}
	r.LastEventSeq = seq
	return l.persist(r)
}

func cloneRun(r *Run) *Run {
	c := *r
	c.Artifacts = append([]ArtifactRef(nil), r.Artifacts...)
	return &c
}
