// Package cost implements the per-run compute+API cent accumulator (C8):
// total_cents is always recomputed as their sum, optional
// contract.max_cost_cents is enforced as a hard fail, and workspace-level
// per-day/per-month budgets layer on top — grounded on the teacher's
// internal/controlplane/jobs.resolveRetryPolicy override-layering pattern,
// generalized from retry policy to cost budget.
package cost

import (
	"sync"
	"time"

	"github.com/marcus-qen/runctl/internal/ledger"
)

// Budget is a workspace-level spending ceiling per UTC calendar day and per
// UTC calendar month.
type Budget struct {
	PerDayCents   int64
	PerMonthCents int64
}

// Estimate is the pre-run cost projection returned by Estimate().
type Estimate struct {
	LowCents  int64
	HighCents int64
}

// Reconciliation compares an estimate to the actual total recorded for a run.
type Reconciliation struct {
	EstimatedCents int64
	ActualCents    int64
	DeltaCents     int64
}

type workspaceSpend struct {
	dayCents   int64
	dayStamp   string
	monthCents int64
	monthStamp string
}

// Tracker enforces per-run and per-workspace cost limits. It delegates the
// authoritative per-run total to the Ledger (the single writer of cost
// fields) and only layers workspace-budget bookkeeping on top.
type Tracker struct {
	ledger *ledger.Ledger

	mu      sync.Mutex
	budgets map[string]Budget
	spend   map[string]*workspaceSpend
}

// NewTracker constructs a Tracker. budgets maps workspace id to its
// configured budget; workspaces absent from the map are unconstrained beyond
// any per-run contract.max_cost_cents.
func NewTracker(l *ledger.Ledger, budgets map[string]Budget) *Tracker {
	if budgets == nil {
		budgets = map[string]Budget{}
	}
	return &Tracker{ledger: l, budgets: budgets, spend: map[string]*workspaceSpend{}}
}

// ErrBudgetExceeded reports which budget boundary was crossed.
type ErrBudgetExceeded struct {
	Scope string // "run", "workspace_day", "workspace_month"
}

func (e *ErrBudgetExceeded) Error() string { return "cost budget exceeded: " + e.Scope }

// Record applies a compute/API cost delta to runID, updating the Ledger's
// authoritative total and the workspace's spend for the current UTC day and
// month. It returns
// ErrBudgetExceeded if the run's contract.max_cost_cents (or a configured
// workspace budget) would be crossed by this delta — the caller (the
// Orchestrator) treats this as a terminal failure request per §4.5.
func (t *Tracker) Record(workspaceID, runID string, dComputeCents, dAPICents int64) error {
	total, err := t.ledger.UpdateCost(runID, dComputeCents, dAPICents)
	if err != nil {
		return err
	}

	run, err := t.ledger.GetRun(runID)
	if err == nil && run.Contract.MaxCostCents != nil && total > *run.Contract.MaxCostCents {
		return &ErrBudgetExceeded{Scope: "run"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.spend[workspaceID]
	if !ok {
		ws = &workspaceSpend{}
		t.spend[workspaceID] = ws
	}
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if ws.dayStamp != day {
		ws.dayStamp, ws.dayCents = day, 0
	}
	if ws.monthStamp != month {
		ws.monthStamp, ws.monthCents = month, 0
	}
	delta := dComputeCents + dAPICents
	ws.dayCents += delta
	ws.monthCents += delta

	budget, hasBudget := t.budgets[workspaceID]
	if hasBudget {
		if budget.PerDayCents > 0 && ws.dayCents > budget.PerDayCents {
			return &ErrBudgetExceeded{Scope: "workspace_day"}
		}
		if budget.PerMonthCents > 0 && ws.monthCents > budget.PerMonthCents {
			return &ErrBudgetExceeded{Scope: "workspace_month"}
		}
	}
	return nil
}

// Estimate returns a coarse pre-run variance band. Callers with a more
// precise model (e.g. per-tool historical cost) may substitute their own;
// this default assumes total cost scales with the contract's configured
// wall-clock ceiling, which is the only universally-available signal at
// preflight time.
func Estimate(maxDurationSeconds int) Estimate {
	base := int64(maxDurationSeconds) // 1 cent/second floor, a deliberately simple heuristic
	return Estimate{LowCents: base / 2, HighCents: base * 2}
}

// Reconcile compares est to the run's actual recorded total.
func Reconcile(est Estimate, actualCents int64) Reconciliation {
	mid := (est.LowCents + est.HighCents) / 2
	return Reconciliation{EstimatedCents: mid, ActualCents: actualCents, DeltaCents: actualCents - mid}
}
