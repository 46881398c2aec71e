// Package approval implements the human-in-the-loop checkpoint service (C6):
// pending/resolved approvals keyed by checkpoint id, driving the run state
// machine's awaiting_approval pause/resume. It is fully async — per Open
// Question (a), there is no cached Run copy here; every resolution calls the
// Ledger directly.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/eventlog"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/statemachine"
)

// Status is the lifecycle of a single approval checkpoint.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Source identifies where a resolution came from.
type Source string

const (
	SourceWeb     Source = "web"
	SourceDesktop Source = "desktop"
	SourceMobile  Source = "mobile"
	SourceAPI     Source = "api"
	SourceTimeout Source = "timeout"
	SourceBulk    Source = "bulk"
)

// RejectReason classifies why an approval was rejected, which in turn
// determines the run's target state (§4.3).
type RejectReason string

const (
	ReasonUserCancelled   RejectReason = "user_cancelled"
	ReasonNeedsEdit       RejectReason = "needs_edit"
	ReasonPolicyViolation RejectReason = "policy_violation"
)

// Approval is one human-in-the-loop checkpoint.
type Approval struct {
	CheckpointID        string
	RunID               string
	ActionType          string
	Preview             map[string]any
	Status              Status
	RequestedFromPhase  statemachine.State
	CreatedAt           time.Time
	ExpiresAt           time.Time
	TimeoutAction       contract.TimeoutAction
	ResolvedAt          *time.Time
	ResolvedBy          string
	ResolvedFrom        Source
	RejectionReason     RejectReason
}

var (
	// ErrDuplicateCheckpoint is returned when request_approval reuses a
	// checkpoint id that already has a pending approval.
	ErrDuplicateCheckpoint = fmt.Errorf("checkpoint already pending")
	// ErrNotFound is returned when resolving a checkpoint id with no record.
	ErrNotFound = fmt.Errorf("checkpoint not found")
	// ErrConflict is returned when resolving a checkpoint that is no longer pending.
	ErrConflict = fmt.Errorf("checkpoint already resolved")
)

// Outcome reports the per-checkpoint result of a bulk resolution.
type Outcome struct {
	CheckpointID string
	Err          error
}

// Selector narrows which pending approvals bulk_approve applies to.
type Selector struct {
	RunID      string // optional
	ActionType string // optional
}

// Service owns the pending approval set and resolves checkpoints by calling
// directly into the Ledger — no intermediate cached Run.
type Service struct {
	mu       sync.Mutex
	byCP     map[string]*Approval
	ledger   *ledger.Ledger
	appender func(runID string, typ eventlog.Type, sev eventlog.Severity, payload map[string]any) error
}

// New constructs an approval Service backed by l for state transitions and
// emitting checkpoint.* events through appendFn (typically the Orchestrator's
// append helper, which knows the next seq for a run).
func New(l *ledger.Ledger, appendFn func(runID string, typ eventlog.Type, sev eventlog.Severity, payload map[string]any) error) *Service {
	return &Service{byCP: make(map[string]*Approval), ledger: l, appender: appendFn}
}

func (s *Service) emit(runID string, typ eventlog.Type, payload map[string]any) {
	if s.appender == nil {
		return
	}
	_ = s.appender(runID, typ, eventlog.SeverityInfo, payload)
}

// RequestApproval registers a new pending checkpoint, transitions the run to
// awaiting_approval (capturing previous_state in the Ledger), and emits
// checkpoint.requested.
func (s *Service) RequestApproval(runID, checkpointID, actionType string, preview map[string]any, timeoutSeconds int, timeoutAction contract.TimeoutAction) (*Approval, error) {
	s.mu.Lock()
	if existing, ok := s.byCP[checkpointID]; ok && existing.Status == StatusPending {
		s.mu.Unlock()
		return nil, ErrDuplicateCheckpoint
	}

	run, err := s.ledger.GetRun(runID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, err := s.ledger.TransitionState(runID, statemachine.AwaitingApproval, nil); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	a := &Approval{
		CheckpointID:       checkpointID,
		RunID:              runID,
		ActionType:         actionType,
		Preview:            preview,
		Status:             StatusPending,
		RequestedFromPhase: run.State,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Duration(timeoutSeconds) * time.Second),
		TimeoutAction:      timeoutAction,
	}
	s.byCP[checkpointID] = a
	s.mu.Unlock()

	s.emit(runID, eventlog.TypeCheckpointRequested, map[string]any{
		"checkpoint_id": checkpointID,
		"action_type":   actionType,
	})
	return a, nil
}

// resolveLocked looks up checkpointID and checks that it is still pending,
// assuming s.mu is held. It mutates nothing; callers apply the resolution.
func (s *Service) resolveLocked(checkpointID string) (*Approval, error) {
	a, ok := s.byCP[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != StatusPending {
		return nil, ErrConflict
	}
	return a, nil
}

// Approve marks checkpointID approved and resumes the run to its captured
// previous_state. If the run is no longer in awaiting_approval (e.g. it was
// cancelled externally), the approval is still recorded but the transition
// is skipped, per §4.3's ordering rule.
func (s *Service) Approve(checkpointID, approver string, source Source) (*Approval, error) {
	s.mu.Lock()
	a, err := s.resolveLocked(checkpointID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := time.Now().UTC()
	a.Status = StatusApproved
	a.ResolvedAt = &now
	a.ResolvedBy = approver
	a.ResolvedFrom = source
	runID := a.RunID
	s.mu.Unlock()

	if run, err := s.ledger.GetRun(runID); err == nil && run.State == statemachine.AwaitingApproval {
		_, _ = s.ledger.Resume(runID)
	}
	s.emit(runID, eventlog.TypeCheckpointApproved, map[string]any{"checkpoint_id": checkpointID})
	return a, nil
}

// Reject marks checkpointID rejected and transitions the run according to
// reason: user_cancelled -> cancelled, needs_edit -> paused,
// policy_violation -> failed.
func (s *Service) Reject(checkpointID string, reason RejectReason, rejector string, source Source) (*Approval, error) {
	s.mu.Lock()
	a, err := s.resolveLocked(checkpointID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := time.Now().UTC()
	a.Status = StatusRejected
	a.ResolvedAt = &now
	a.ResolvedBy = rejector
	a.ResolvedFrom = source
	a.RejectionReason = reason
	runID := a.RunID
	s.mu.Unlock()

	target, errInfo := targetForReject(reason)
	if run, err := s.ledger.GetRun(runID); err == nil && run.State == statemachine.AwaitingApproval {
		_, _ = s.ledger.TransitionState(runID, target, errInfo)
	}
	s.emit(runID, eventlog.TypeCheckpointRejected, map[string]any{
		"checkpoint_id": checkpointID,
		"reason":        string(reason),
	})
	return a, nil
}

func targetForReject(reason RejectReason) (statemachine.State, *ledger.ErrorInfo) {
	switch reason {
	case ReasonUserCancelled:
		return statemachine.Cancelled, nil
	case ReasonNeedsEdit:
		return statemachine.Paused, nil
	case ReasonPolicyViolation:
		return statemachine.Failed, &ledger.ErrorInfo{Kind: "contract_violation", Message: "approval rejected: policy_violation", Recoverable: false}
	default:
		return statemachine.Failed, &ledger.ErrorInfo{Kind: "contract_violation", Message: "unknown rejection reason", Recoverable: false}
	}
}

// Edit is equivalent to Reject(needs_edit) with an edited preview payload
// recorded for the agent's next attempt.
func (s *Service) Edit(checkpointID string, editedPreview map[string]any, rejector string, source Source) (*Approval, error) {
	a, err := s.Reject(checkpointID, ReasonNeedsEdit, rejector, source)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	a.Preview = editedPreview
	s.mu.Unlock()
	return a, nil
}

// BulkApprove applies Approve independently to every pending approval
// matching sel (Open Question (c): not all-or-nothing — a failure on one
// checkpoint does not roll back or block the others).
func (s *Service) BulkApprove(sel Selector, approver string) []Outcome {
	s.mu.Lock()
	var matches []string
	for id, a := range s.byCP {
		if a.Status != StatusPending {
			continue
		}
		if sel.RunID != "" && a.RunID != sel.RunID {
			continue
		}
		if sel.ActionType != "" && a.ActionType != sel.ActionType {
			continue
		}
		matches = append(matches, id)
	}
	s.mu.Unlock()

	out := make([]Outcome, 0, len(matches))
	for _, id := range matches {
		_, err := s.Approve(id, approver, SourceBulk)
		out = append(out, Outcome{CheckpointID: id, Err: err})
	}
	return out
}

// ProcessTimeouts resolves every pending approval whose expires_at has
// passed as of now, applying each one's configured timeout_action.
func (s *Service) ProcessTimeouts(now time.Time) []Outcome {
	s.mu.Lock()
	var expired []string
	for id, a := range s.byCP {
		if a.Status == StatusPending && !a.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	out := make([]Outcome, 0, len(expired))
	for _, id := range expired {
		out = append(out, s.applyTimeout(id))
	}
	return out
}

func (s *Service) applyTimeout(checkpointID string) Outcome {
	s.mu.Lock()
	a, err := s.resolveLocked(checkpointID)
	if err != nil {
		s.mu.Unlock()
		return Outcome{CheckpointID: checkpointID, Err: err}
	}
	action := a.TimeoutAction
	runID := a.RunID
	ts := time.Now().UTC()

	if action == contract.TimeoutApprove {
		a.Status = StatusApproved
	} else {
		a.Status = StatusTimeout
	}
	a.ResolvedAt = &ts
	a.ResolvedBy = "system"
	a.ResolvedFrom = SourceTimeout
	s.mu.Unlock()

	if action == contract.TimeoutApprove {
		if run, gerr := s.ledger.GetRun(runID); gerr == nil && run.State == statemachine.AwaitingApproval {
			_, _ = s.ledger.Resume(runID)
		}
	} else {
		if run, gerr := s.ledger.GetRun(runID); gerr == nil && run.State == statemachine.AwaitingApproval {
			_, _ = s.ledger.TransitionState(runID, statemachine.Timeout, &ledger.ErrorInfo{
				Kind: "approval_timeout", Message: "checkpoint " + checkpointID + " timed out", Recoverable: false,
			})
		}
	}
	s.emit(runID, eventlog.TypeCheckpointTimeout, map[string]any{"checkpoint_id": checkpointID, "action": string(action)})
	return Outcome{CheckpointID: checkpointID}
}

// Get returns the current state of one checkpoint.
func (s *Service) Get(checkpointID string) (*Approval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byCP[checkpointID]
	return a, ok
}

// Pending returns all pending approvals, optionally filtered by runID and/or
// actionType (empty string means "no filter on that field").
func (s *Service) Pending(runID, actionType string) []*Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.byCP {
		if a.Status != StatusPending {
			continue
		}
		if runID != "" && a.RunID != runID {
			continue
		}
		if actionType != "" && a.ActionType != actionType {
			continue
		}
		out = append(out, a)
	}
	return out
}
