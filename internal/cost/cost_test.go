package cost

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/ledger"
)

func newTestTracker(t *testing.T, maxCostCents *int64, budgets map[string]Budget) (*Tracker, string) {
	t.Helper()
	l, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	r, err := l.CreateRun("ws1", "tpl", "v1", contract.Contract{MaxCostCents: maxCostCents})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return NewTracker(l, budgets), r.RunID
}

func TestRecordAccumulatesTotal(t *testing.T) {
	tr, runID := newTestTracker(t, nil, nil)
	if err := tr.Record("ws1", runID, 100, 50); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record("ws1", runID, 25, 25); err != nil {
		t.Fatalf("Record: %v", err)
	}
	run, err := tr.ledger.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.TotalCents() != 200 {
		t.Fatalf("expected total 200, got %d", run.TotalCents())
	}
}

func TestRecordEnforcesRunMaxCost(t *testing.T) {
	max := int64(100)
	tr, runID := newTestTracker(t, &max, nil)
	err := tr.Record("ws1", runID, 60, 60)
	var budgetErr *ErrBudgetExceeded
	if !errors.As(err, &budgetErr) || budgetErr.Scope != "run" {
		t.Fatalf("expected run budget exceeded, got %v", err)
	}
}

func TestRecordEnforcesWorkspaceDayBudget(t *testing.T) {
	tr, runID := newTestTracker(t, nil, map[string]Budget{"ws1": {PerDayCents: 100}})
	if err := tr.Record("ws1", runID, 60, 0); err != nil {
		t.Fatalf("unexpected error on first record: %v", err)
	}
	err := tr.Record("ws1", runID, 60, 0)
	var budgetErr *ErrBudgetExceeded
	if !errors.As(err, &budgetErr) || budgetErr.Scope != "workspace_day" {
		t.Fatalf("expected workspace_day budget exceeded, got %v", err)
	}
}

func TestRecordEnforcesWorkspaceMonthBudget(t *testing.T) {
	tr, runID := newTestTracker(t, nil, map[string]Budget{"ws1": {PerMonthCents: 50}})
	err := tr.Record("ws1", runID, 40, 20)
	var budgetErr *ErrBudgetExceeded
	if !errors.As(err, &budgetErr) || budgetErr.Scope != "workspace_month" {
		t.Fatalf("expected workspace_month budget exceeded, got %v", err)
	}
}

func TestRecordWithoutBudgetNeverExceeds(t *testing.T) {
	tr, runID := newTestTracker(t, nil, nil)
	if err := tr.Record("ws1", runID, 1_000_000, 1_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEstimateAndReconcile(t *testing.T) {
	est := Estimate(100)
	if est.LowCents != 50 || est.HighCents != 200 {
		t.Fatalf("unexpected estimate band: %+v", est)
	}
	rec := Reconcile(est, 300)
	if rec.EstimatedCents != 125 || rec.ActualCents != 300 || rec.DeltaCents != 175 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}
