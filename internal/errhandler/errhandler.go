// Package errhandler implements the closed error taxonomy and retry/backoff
// policy (C9). Generalized from the teacher's internal/controlplane/jobs
// resolvedRetryPolicy.nextRetryDelay formula: exponential backoff for
// transient faults, small fixed caps for the categories that can plausibly
// self-heal, and zero tolerance for everything else.
package errhandler

import (
	"time"
)

// Kind is the closed set of error categories a run can fail with.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindToolFailure       Kind = "tool_failure"
	KindAgentError        Kind = "agent_error"
	KindSandboxCrash      Kind = "sandbox_crash"
	KindContractViolation Kind = "contract_violation"
	KindTimeout           Kind = "timeout"
	KindApprovalTimeout   Kind = "approval_timeout"
	KindStalled           Kind = "stalled"
)

// knownKinds is the closed set; Classify falls back to KindAgentError for
// anything outside it rather than inventing a new category at runtime.
var knownKinds = map[Kind]bool{
	KindTransient: true, KindToolFailure: true, KindAgentError: true,
	KindSandboxCrash: true, KindContractViolation: true, KindTimeout: true,
	KindApprovalTimeout: true, KindStalled: true,
}

// Classify normalizes an arbitrary kind string to a member of the closed
// taxonomy, defaulting to KindAgentError for unrecognized input.
func Classify(kind string) Kind {
	k := Kind(kind)
	if knownKinds[k] {
		return k
	}
	return KindAgentError
}

// Action is what the Orchestrator should do in response to a classified
// failure.
type Action string

const (
	ActionRetry       Action = "retry"
	ActionFailRun     Action = "fail_run"
	ActionGiveUp      Action = "give_up" // attempts exhausted for a recoverable kind
)

// Decision is the outcome of Decide: whether to retry, and after how long.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// caps gives the maximum number of retry attempts per kind. Kinds absent
// from this map get zero retries — a single occurrence is terminal.
var caps = map[Kind]int{
	KindTransient:    3,
	KindToolFailure:  1,
	KindSandboxCrash: 1,
	KindStalled:      1,
}

// backoffSchedule gives the delay before the Nth transient retry (1-indexed).
// Non-transient kinds that do retry (tool_failure, sandbox_crash, stalled)
// retry immediately — their single retry is a "nudge", not a backoff.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Decide classifies the failure and decides whether attemptsSoFar (the
// number of prior attempts already made for this failure kind, 0 on first
// occurrence) warrants another retry.
func Decide(kind string, attemptsSoFar int) Decision {
	k := Classify(kind)
	max, retryable := caps[k]
	if !retryable || attemptsSoFar >= max {
		if retryable {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionFailRun}
	}
	delay := time.Duration(0)
	if k == KindTransient {
		idx := attemptsSoFar
		if idx >= len(backoffSchedule) {
			idx = len(backoffSchedule) - 1
		}
		delay = backoffSchedule[idx]
	}
	return Decision{Action: ActionRetry, Delay: delay}
}

// Recoverable reports whether kind may ever be retried, independent of how
// many attempts have already been made.
func Recoverable(kind string) bool {
	_, ok := caps[Classify(kind)]
	return ok
}
