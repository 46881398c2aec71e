// Package orchestrator implements the Run Orchestrator (C12): the top-level
// per-run driver that wires the Contract Validator, Run Ledger, Event
// Log/Bus, Approval Service, Cost Tracker, Error Handler, Sandbox Adapter,
// and Vault Writer into one run's lifecycle, one goroutine per active run.
//
// Grounded on the teacher's internal/runner.Runner.Execute/conversationLoop
// control-loop shape (tracing span per run, iteration budget tracking,
// outcome routing) and internal/scheduler's admission/concurrency
// bookkeeping, generalized from the Kubernetes reconciliation model to a
// plain in-process goroutine-per-run driver.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/runctl/internal/approval"
	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/cost"
	"github.com/marcus-qen/runctl/internal/errhandler"
	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/policy"
	"github.com/marcus-qen/runctl/internal/sandbox"
	"github.com/marcus-qen/runctl/internal/statemachine"
	"github.com/marcus-qen/runctl/internal/vault"
)

// SessionState mirrors the "Agent session" bookkeeping entity from §3.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopped  SessionState = "stopped"
	SessionCrashed  SessionState = "crashed"
)

// Session is the liveness record exposed by the supplemented
// GET /runs/:id/session endpoint.
type Session struct {
	SessionID     string
	RunID         string
	AgentSlug     string
	SandboxHandle string
	State         SessionState
	StartedAt     time.Time
	StoppedAt     *time.Time
	ExitCode      *int
	ExitReason    string
	LastHeartbeat *time.Time
}

// controlMessage is the JSON-line protocol the Orchestrator expects a
// sandbox's stdout to multiplex: structured control frames alongside plain
// log lines. A stdout line that fails to parse as one of these is treated
// as ordinary tool/agent output text.
type controlMessage struct {
	Control        string         `json:"control"` // tool_call | checkpoint_request | file_changed | cost
	Tool           string         `json:"tool,omitempty"`
	Path           string         `json:"path,omitempty"`
	Args           string         `json:"args,omitempty"`
	CheckpointID   string         `json:"checkpoint_id,omitempty"`
	ActionType     string         `json:"action_type,omitempty"`
	Preview        map[string]any `json:"preview,omitempty"`
	ComputeCents   int64          `json:"compute_cents,omitempty"`
	APICents       int64          `json:"api_cents,omitempty"`
}

// RunSpec parameterizes one call to Start.
type RunSpec struct {
	WorkspaceID string
	Contract    contract.Contract
	Template    string
	Scopes      []string
	EnvAllowlist []string
	Env          map[string]string
	AgentSlug    string
}

// Orchestrator drives run lifecycles. A single Orchestrator instance is
// shared by every run; per-run state lives in activeRun.
type Orchestrator struct {
	Ledger    *ledger.Ledger
	Events    *eventlog.Store
	Bus       *eventbus.Bus
	Approvals *approval.Service
	Costs     *cost.Tracker
	Vault     *vault.Vault
	Adapter   sandbox.Adapter

	Logger *zap.Logger
	Tracer trace.Tracer
	Metrics *Metrics

	mu      sync.Mutex
	active  map[string]*activeRun
	sess    map[string]*Session
}

type activeRun struct {
	cancel  context.CancelFunc
	pauseCh chan struct{}
	handle  sandbox.Handle
}

// New constructs an Orchestrator. tracer may be nil, in which case the
// global OpenTelemetry tracer provider's default tracer is used.
func New(l *ledger.Ledger, ev *eventlog.Store, bus *eventbus.Bus, appr *approval.Service, costs *cost.Tracker, vlt *vault.Vault, adapter sandbox.Adapter, logger *zap.Logger, tracer trace.Tracer, metrics *Metrics) *Orchestrator {
	if tracer == nil {
		tracer = otel.Tracer("runctl/orchestrator")
	}
	if metrics == nil {
		metrics = NewMetricsFor(prometheus.NewRegistry())
	}
	return &Orchestrator{
		Ledger: l, Events: ev, Bus: bus, Approvals: appr, Costs: costs, Vault: vlt, Adapter: adapter,
		Logger: logger, Tracer: tracer, Metrics: metrics,
		active: map[string]*activeRun{}, sess: map[string]*Session{},
	}
}

// Start validates spec.Contract, registers a run, and begins driving its
// lifecycle in a new goroutine. It returns as soon as the run is created —
// callers observe progress via the Event Bus or by polling the Ledger.
func (o *Orchestrator) Start(ctx context.Context, spec RunSpec) (*ledger.Run, error) {
	run, err := o.Ledger.CreateRun(spec.WorkspaceID, spec.Contract.TemplateID, spec.Contract.TemplateVersion, spec.Contract)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	o.Events.RegisterRun(run.RunID)

	if violations := contract.Preflight(&spec.Contract); len(violations) > 0 {
		run, _ = o.Ledger.TransitionState(run.RunID, statemachine.Initializing, nil)
		msg := violations[0].Error()
		run, _ = o.Ledger.TransitionState(run.RunID, statemachine.Failed, &ledger.ErrorInfo{
			Kind: string(errhandler.KindContractViolation), Message: msg, Recoverable: false,
		})
		o.appendSafe(run.RunID, eventlog.TypeRunFailed, eventlog.SeverityError, string(statemachine.Failed),
			map[string]any{"reason": "preflight_failed", "detail": msg})
		o.Events.Freeze(run.RunID)
		o.Metrics.RunsTotal.WithLabelValues(string(statemachine.Failed)).Inc()
		return run, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[run.RunID] = &activeRun{cancel: cancel, pauseCh: make(chan struct{}, 1)}
	o.sess[run.RunID] = &Session{
		SessionID: uuid.New().String(), RunID: run.RunID, AgentSlug: spec.AgentSlug,
		State: SessionStarting, StartedAt: time.Now().UTC(),
	}
	o.mu.Unlock()

	go o.drive(runCtx, run.RunID, spec)
	return run, nil
}

// AppendEvent appends a run event with no associated phase and reports any
// append failure as an error instead of only logging it. It satisfies the
// append-callback shape approval.New expects, letting the Approval Service
// emit checkpoint.* events through the same seq-allocation path the
// Orchestrator's own internal appends use.
func (o *Orchestrator) AppendEvent(runID string, typ eventlog.Type, sev eventlog.Severity, payload map[string]any) error {
	evt := eventlog.Event{
		EventID: uuid.New().String(), RunID: runID, Seq: o.Events.LastSeq(runID) + 1, Type: typ, Sev: sev,
		TS: time.Now().UTC(), Payload: payload,
	}
	if err := o.Events.Append(context.Background(), evt); err != nil {
		return err
	}
	o.Bus.Publish(evt)
	o.Ledger.SetLastEventSeq(runID, o.Events.LastSeq(runID))
	return nil
}

func (o *Orchestrator) appendSafe(runID string, typ eventlog.Type, sev eventlog.Severity, phase string, payload map[string]any) {
	start := time.Now()
	evt := eventlog.Event{
		EventID: uuid.New().String(), RunID: runID, Seq: o.Events.LastSeq(runID) + 1, Type: typ, Phase: phase, Sev: sev,
		TS: time.Now().UTC(), Payload: payload,
	}
	if err := o.Events.Append(context.Background(), evt); err != nil {
		if o.Logger != nil {
			o.Logger.Warn("event append failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	o.Bus.Publish(evt)
	o.Ledger.SetLastEventSeq(runID, o.Events.LastSeq(runID))
	if o.Metrics != nil {
		o.Metrics.EventAppendSeconds.Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) drive(ctx context.Context, runID string, spec RunSpec) {
	span, spanCtx := o.startSpan(ctx, "run", runID)
	defer span.End()

	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	if _, err := o.Ledger.TransitionState(runID, statemachine.Initializing, nil); err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypeRunStarted, eventlog.SeverityInfo, string(statemachine.Initializing), nil)

	deadline := time.NewTimer(time.Duration(spec.Contract.MaxDurationSeconds) * time.Second)
	defer deadline.Stop()

	h, err := o.Adapter.Create(spanCtx, sandbox.CreateSpec{
		Template: spec.Template, Scopes: spec.Scopes, EnvAllowlist: spec.EnvAllowlist, Env: spec.Env,
	})
	if err != nil {
		o.fail(runID, errhandler.KindSandboxCrash, fmt.Sprintf("create sandbox: %v", err), false)
		return
	}
	o.mu.Lock()
	if ar, ok := o.active[runID]; ok {
		ar.handle = h
	}
	if s, ok := o.sess[runID]; ok {
		s.SandboxHandle = h.ID
		s.State = SessionRunning
	}
	o.mu.Unlock()

	for _, in := range spec.Contract.InputFiles {
		if err := o.Adapter.Upload(spanCtx, h, in, in); err != nil && o.Logger != nil {
			o.Logger.Warn("input upload failed", zap.String("run_id", runID), zap.String("file", in), zap.Error(err))
		}
	}

	if _, err := o.Ledger.TransitionState(runID, statemachine.Planning, nil); err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypePhaseChanged, eventlog.SeverityInfo, string(statemachine.Planning), map[string]any{"to": string(statemachine.Planning)})

	sig, err := o.Adapter.Stream(spanCtx, h)
	if err != nil {
		o.fail(runID, errhandler.KindSandboxCrash, fmt.Sprintf("stream sandbox: %v", err), false)
		return
	}

	if _, err := o.Ledger.TransitionState(runID, statemachine.Executing, nil); err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypePhaseChanged, eventlog.SeverityInfo, string(statemachine.Executing), map[string]any{"to": string(statemachine.Executing)})

	ok := o.consume(spanCtx, runID, spec, h, sig, deadline.C)
	if !ok {
		return // consume already drove the run to a terminal state
	}

	if _, err := o.Ledger.TransitionState(runID, statemachine.Verifying, nil); err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypePhaseChanged, eventlog.SeverityInfo, string(statemachine.Verifying), nil)
	o.verify(spanCtx, runID, spec.Contract)

	if _, err := o.Ledger.TransitionState(runID, statemachine.Packaging, nil); err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypePhaseChanged, eventlog.SeverityInfo, string(statemachine.Packaging), nil)
	o.packageArtifacts(spanCtx, runID, spec.Contract, h, vault.StatusFinal)

	run, err := o.Ledger.TransitionState(runID, statemachine.Completed, nil)
	if err != nil {
		o.fail(runID, errhandler.KindAgentError, err.Error(), false)
		return
	}
	o.appendSafe(runID, eventlog.TypeRunCompleted, eventlog.SeverityInfo, string(statemachine.Completed), nil)
	o.Events.Freeze(runID)
	o.finishSession(runID, 0, "completed")
	o.Metrics.RunsTotal.WithLabelValues(string(statemachine.Completed)).Inc()
	_ = run
}

// consumeState tracks per-kind retry attempt counts across one consume call,
// per the caps in errhandler.
type consumeState struct {
	transientAttempts   int
	toolFailureAttempts int
	stalledAttempts     int
}

// consume drains the sandbox's signal channel, translating each signal into
// normalized events and dispatching control messages (tool calls, checkpoint
// requests, cost deltas). It returns true if the run should proceed to
// verification, false if it already reached a terminal state (failure,
// cancellation, wall-clock timeout, or a pause that was never resumed before
// the channel closed).
func (o *Orchestrator) consume(ctx context.Context, runID string, spec RunSpec, h sandbox.Handle, sig <-chan sandbox.Signal, deadline <-chan time.Time) bool {
	st := &consumeState{}
	lastActivity := time.Now()

	o.mu.Lock()
	ar := o.active[runID]
	o.mu.Unlock()

	for {
		select {
		case <-deadline:
			o.fail(runID, errhandler.KindTimeout, "max_duration_seconds exceeded", true)
			return false
		case <-ar.pauseCh:
			if _, err := o.Ledger.TransitionState(runID, statemachine.Paused, nil); err != nil {
				continue
			}
			o.appendSafe(runID, eventlog.TypePhaseChanged, eventlog.SeverityInfo, string(statemachine.Paused), nil)
			for {
				run, err := o.Ledger.GetRun(runID)
				if err != nil || run.State != statemachine.Paused {
					break
				}
				select {
				case <-time.After(200 * time.Millisecond):
				case <-ctx.Done():
					o.cancelLocked(runID, "context cancelled")
					return false
				}
			}
		case s, open := <-sig:
			if !open {
				return true
			}
			lastActivity = time.Now()
			switch s.Kind {
			case sandbox.SignalHeartbeat:
				o.touchHeartbeat(runID)
			case sandbox.SignalResult:
				return true
			case sandbox.SignalError:
				d := errhandler.Decide(string(errhandler.KindTransient), st.transientAttempts)
				if d.Action == errhandler.ActionRetry {
					st.transientAttempts++
					o.appendSafe(runID, eventlog.TypeDriftDetected, eventlog.SeverityInfo, string(statemachine.Executing),
						map[string]any{"reason": "transient_error_retry", "attempt": st.transientAttempts, "delay_ms": d.Delay.Milliseconds()})
					time.Sleep(d.Delay)
					continue
				}
				o.fail(runID, errhandler.KindTransient, string(s.Payload), true)
				return false
			case sandbox.SignalStdout, sandbox.SignalStderr:
				if !o.handleLine(ctx, runID, spec, s, st) {
					return false
				}
			}
		case <-time.After(30 * time.Second):
			if time.Since(lastActivity) < 30*time.Second {
				continue
			}
			d := errhandler.Decide(string(errhandler.KindStalled), st.stalledAttempts)
			if d.Action == errhandler.ActionRetry {
				st.stalledAttempts++
				o.appendSafe(runID, eventlog.TypeDriftDetected, eventlog.SeverityInfo, string(statemachine.Executing),
					map[string]any{"reason": "stalled_nudge", "attempt": st.stalledAttempts})
				continue
			}
			o.fail(runID, errhandler.KindStalled, "no progress within heartbeat window", true)
			return false
		case <-ctx.Done():
			o.cancelLocked(runID, "context cancelled")
			return false
		}
	}
}

// handleLine processes one stdout/stderr signal. It returns false if the run
// was driven to a terminal state (e.g. a denied tool call exhausted its
// retry cap) and the caller must stop consuming.
func (o *Orchestrator) handleLine(ctx context.Context, runID string, spec RunSpec, s sandbox.Signal, st *consumeState) bool {
	var cm controlMessage
	if err := json.Unmarshal(s.Payload, &cm); err != nil || cm.Control == "" {
		o.appendSafe(runID, eventlog.TypeToolResult, eventlog.SeverityInfo, string(statemachine.Executing),
			map[string]any{"stream": string(s.Kind), "output": string(s.Payload)})
		return true
	}
	switch cm.Control {
	case "tool_call":
		d := policy.Evaluate(&spec.Contract, policy.Call{Tool: cm.Tool, Path: cm.Path, Args: cm.Args})
		if d.Verdict == policy.VerdictDeny {
			o.appendSafe(runID, eventlog.TypeDriftDetected, eventlog.SeverityWarning, string(statemachine.Executing),
				map[string]any{"tool": cm.Tool, "reason": d.Reason, "violated_rule": d.ViolatedRule})
			decision := errhandler.Decide(string(errhandler.KindToolFailure), st.toolFailureAttempts)
			if decision.Action != errhandler.ActionRetry {
				o.fail(runID, errhandler.KindToolFailure, "tool call denied: "+d.Reason, true)
				return false
			}
			st.toolFailureAttempts++
			return true
		}
		o.appendSafe(runID, eventlog.TypeToolCalled, eventlog.SeverityInfo, string(statemachine.Executing),
			map[string]any{"tool": cm.Tool, "path": cm.Path})
	case "file_changed":
		o.appendSafe(runID, eventlog.TypeFileChanged, eventlog.SeverityInfo, string(statemachine.Executing),
			map[string]any{"path": cm.Path})
	case "checkpoint_request":
		o.requestApproval(ctx, runID, spec, cm)
	case "cost":
		if err := o.Costs.Record(spec.WorkspaceID, runID, cm.ComputeCents, cm.APICents); err != nil {
			o.fail(runID, errhandler.KindContractViolation, err.Error(), false)
			return false
		}
	}
	return true
}

func (o *Orchestrator) requestApproval(ctx context.Context, runID string, spec RunSpec, cm controlMessage) {
	rule, _ := spec.Contract.ApprovalRuleFor(cm.ActionType)
	timeout := rule.TimeoutSeconds
	action := rule.AutoActionOnTimeout
	if action == "" {
		action = contract.TimeoutReject
	}
	if _, err := o.Approvals.RequestApproval(runID, cm.CheckpointID, cm.ActionType, cm.Preview, timeout, action); err != nil {
		if o.Logger != nil {
			o.Logger.Warn("request approval failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	if o.Metrics != nil {
		o.Metrics.ApprovalsPending.Inc()
	}
	// Block this run's own goroutine until the checkpoint resolves — other
	// runs' event-append pipelines are unaffected since each run owns its
	// goroutine.
	for {
		run, err := o.Ledger.GetRun(runID)
		if err != nil || run.State != statemachine.AwaitingApproval {
			break
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
	if o.Metrics != nil {
		o.Metrics.ApprovalsPending.Dec()
	}
}

// verify evaluates each success criterion and records the outcome as
// criterion.evaluated. This is a verification result, not a contract
// violation, so it never reuses drift.detected: that type is reserved for
// actual policy/constraint breaches (§4.4) and local-recovery retries (§7),
// and a satisfied criterion is neither.
func (o *Orchestrator) verify(ctx context.Context, runID string, c contract.Contract) {
	for _, sc := range c.SuccessCriteria {
		status := "unverified"
		switch sc.EvidenceType {
		case contract.EvidenceFileExists:
			o.mu.Lock()
			ar, ok := o.active[runID]
			o.mu.Unlock()
			if ok {
				if _, err := o.Adapter.Extract(ctx, ar.handle, sc.EvidenceSpec); err == nil {
					status = "satisfied"
				} else {
					status = "missing"
				}
			}
		default:
			status = "manual_check: unverified"
		}
		sev := eventlog.SeverityInfo
		if status == "missing" {
			sev = eventlog.SeverityWarning
		}
		o.appendSafe(runID, eventlog.TypeCriterionEvaluated, sev, string(statemachine.Verifying),
			map[string]any{"success_criterion": sc.ID, "status": status})
	}
}

func (o *Orchestrator) packageArtifacts(ctx context.Context, runID string, c contract.Contract, h sandbox.Handle, status vault.Status) {
	for _, d := range c.Deliverables {
		var destPath string
		for _, od := range c.OutputDestinations {
			if od.DeliverableID == d.ID {
				destPath = od.Path
			}
		}
		body, err := o.Adapter.Extract(ctx, h, destPath)
		if err != nil {
			if d.Required {
				o.appendSafe(runID, eventlog.TypeDriftDetected, eventlog.SeverityWarning, string(statemachine.Packaging),
					map[string]any{"deliverable": d.ID, "reason": "extract_failed"})
			}
			continue
		}
		m, err := o.Vault.Write(ctx, vault.Artifact{
			RunID: runID, ArtifactID: d.ID, Type: d.Type, Slug: d.ID, Status: status, Body: body,
		})
		if err != nil {
			if o.Logger != nil {
				o.Logger.Warn("artifact write failed", zap.String("run_id", runID), zap.String("deliverable", d.ID), zap.Error(err))
			}
			continue
		}
		o.Ledger.AddArtifact(runID, ledger.ArtifactRef{ID: d.ID, Type: d.Type, Path: m.DestinationPath})
		o.appendSafe(runID, eventlog.TypeArtifactCreated, eventlog.SeverityInfo, string(statemachine.Packaging),
			map[string]any{"deliverable": d.ID, "path": m.DestinationPath, "checksum": m.Checksum})
	}
	o.Vault.WriteTrace(runID, fmt.Sprintf("# Run %s\n\nstatus: %s\n", runID, status), nil)
}

// fail transitions runID to failed, emits run.failed, still packages
// whatever partial artifacts exist, and freezes the event log.
func (o *Orchestrator) fail(runID string, kind errhandler.Kind, message string, packagePartial bool) {
	run, err := o.Ledger.TransitionState(runID, statemachine.Failed, &ledger.ErrorInfo{
		Kind: string(kind), Message: message, Recoverable: errhandler.Recoverable(string(kind)),
	})
	if err != nil {
		if o.Logger != nil {
			o.Logger.Error("failed to transition run to failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	if packagePartial {
		o.mu.Lock()
		ar, ok := o.active[runID]
		o.mu.Unlock()
		if ok {
			o.packageArtifacts(context.Background(), runID, run.Contract, ar.handle, vault.StatusPartial)
		}
	}
	o.appendSafe(runID, eventlog.TypeRunFailed, eventlog.SeverityError, string(statemachine.Failed),
		map[string]any{"kind": string(kind), "message": message})
	o.Events.Freeze(runID)
	o.finishSession(runID, 1, message)
	if o.Metrics != nil {
		o.Metrics.RunsTotal.WithLabelValues(string(statemachine.Failed)).Inc()
	}
}

func (o *Orchestrator) cancelLocked(runID, reason string) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		o.Adapter.Stop(context.Background(), ar.handle, reason)
	}
	run, err := o.Ledger.TransitionState(runID, statemachine.Cancelled, nil)
	if err != nil {
		return
	}
	if ok {
		o.packageArtifacts(context.Background(), runID, run.Contract, ar.handle, vault.StatusPartial)
	}
	o.appendSafe(runID, eventlog.TypeRunFailed, eventlog.SeverityWarning, string(statemachine.Cancelled),
		map[string]any{"reason": reason})
	o.Events.Freeze(runID)
	o.finishSession(runID, 1, "cancelled: "+reason)
	if o.Metrics != nil {
		o.Metrics.RunsTotal.WithLabelValues(string(statemachine.Cancelled)).Inc()
	}
}

// Pause requests that runID stop dispatching new work. In-flight tool calls
// still complete and are recorded; no new ones are issued once the run
// leaves its current phase for paused.
func (o *Orchestrator) Pause(runID string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: pause: run %s is not active", runID)
	}
	select {
	case ar.pauseCh <- struct{}{}:
	default:
	}
	return nil
}

// Resume re-enters runID's captured previous_state.
func (o *Orchestrator) Resume(runID string) error {
	if _, err := o.Ledger.Resume(runID); err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}
	return nil
}

// Cancel is allowed from any non-terminal state and takes effect
// immediately; in-flight work is abandoned and partial artifacts are still
// packaged.
func (o *Orchestrator) Cancel(runID, reason string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.Ledger.TransitionState(runID, statemachine.Cancelled, nil)
		if err != nil {
			return fmt.Errorf("orchestrator: cancel: %w", err)
		}
		o.appendSafe(runID, eventlog.TypeRunFailed, eventlog.SeverityWarning, string(statemachine.Cancelled),
			map[string]any{"reason": reason})
		o.Events.Freeze(runID)
		_ = run
		return nil
	}
	ar.cancel()
	return nil
}

func (o *Orchestrator) touchHeartbeat(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sess[runID]; ok {
		now := time.Now().UTC()
		s.LastHeartbeat = &now
	}
}

func (o *Orchestrator) finishSession(runID string, exitCode int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sess[runID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	s.StoppedAt = &now
	s.ExitCode = &exitCode
	s.ExitReason = reason
	if exitCode == 0 {
		s.State = SessionStopped
	} else {
		s.State = SessionCrashed
	}
}

// Session returns the liveness record for runID, if a session was started.
func (o *Orchestrator) Session(runID string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sess[runID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (o *Orchestrator) startSpan(ctx context.Context, name, runID string) (trace.Span, context.Context) {
	spanCtx, span := o.Tracer.Start(ctx, name, trace.WithAttributes(attribute.String("run_id", runID)))
	return span, spanCtx
}
