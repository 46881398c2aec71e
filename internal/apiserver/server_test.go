package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/runctl/internal/approval"
	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/cost"
	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/orchestrator"
	"github.com/marcus-qen/runctl/internal/sandbox"
	"github.com/marcus-qen/runctl/internal/statemachine"
	"github.com/marcus-qen/runctl/internal/streamapi"
	"github.com/marcus-qen/runctl/internal/vault"
)

func mustLogger() *zap.Logger { return zap.NewNop() }

// fakeHTTPAdapter is a hand-driven sandbox.Adapter for exercising the HTTP
// surface without any real subprocess or network sandbox. Tests that need a
// run to progress past executing drive it manually via send.
type fakeHTTPAdapter struct {
	sig chan sandbox.Signal
}

func (a *fakeHTTPAdapter) Create(ctx context.Context, spec sandbox.CreateSpec) (sandbox.Handle, error) {
	return sandbox.Handle{ID: "sbx-http-1"}, nil
}

func (a *fakeHTTPAdapter) Upload(ctx context.Context, h sandbox.Handle, localPath, sandboxPath string) error {
	return nil
}

func (a *fakeHTTPAdapter) Stream(ctx context.Context, h sandbox.Handle) (<-chan sandbox.Signal, error) {
	return a.sig, nil
}

func (a *fakeHTTPAdapter) Extract(ctx context.Context, h sandbox.Handle, sandboxPath string) ([]byte, error) {
	return []byte("artifact body"), nil
}

func (a *fakeHTTPAdapter) Stop(ctx context.Context, h sandbox.Handle, reason string) error {
	return nil
}

func testServer(t *testing.T) (*httptest.Server, *ledger.Ledger, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()

	l, err := ledger.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	ev, err := eventlog.NewStore(filepath.Join(dir, "events.db"), 256)
	if err != nil {
		t.Fatalf("eventlog.NewStore: %v", err)
	}
	t.Cleanup(func() { ev.Close() })

	bus := eventbus.NewBus(64)
	costs := cost.NewTracker(l, nil)
	vlt := vault.New(filepath.Join(dir, "artifacts"), filepath.Join(dir, "traces"), "")
	adapter := &fakeHTTPAdapter{sig: make(chan sandbox.Signal, 16)}

	orch := orchestrator.New(l, ev, bus, nil, costs, vlt, adapter, nil, nil, nil)
	appr := approval.New(l, func(runID string, typ eventlog.Type, sev eventlog.Severity, payload map[string]any) error {
		return nil
	})
	orch.Approvals = appr

	stream := streamapi.New(ev, bus, nil)
	srv := New(":0", l, orch, appr, stream, mustLogger())

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, l, orch
}

func validContractRequest(workspaceID string) map[string]any {
	return map[string]any{
		"workspace_id": workspaceID,
		"agent_slug":   "coder",
		"template":     "python:3.12",
		"contract": contract.Contract{
			Goal:               "do the thing",
			MaxDurationSeconds: 3600,
			SuccessCriteria: []contract.SuccessCriterion{
				{ID: "sc1", EvidenceType: contract.EvidenceManualCheck},
			},
			Deliverables: []contract.Deliverable{
				{ID: "report", Type: "markdown", Required: true},
			},
			OutputDestinations: []contract.OutputDestination{
				{DeliverableID: "report", Path: "/out/report.md"},
			},
		},
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestCreateAndGetRun(t *testing.T) {
	ts, _, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/runs", validContractRequest("ws1"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var run ledger.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected a run id")
	}

	getResp, err := http.Get(ts.URL + "/runs/" + run.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/runs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRunRejectsInvalidContract(t *testing.T) {
	ts, _, _ := testServer(t)
	req := validContractRequest("ws1")
	c := req["contract"].(contract.Contract)
	c.MaxDurationSeconds = 0
	req["contract"] = c

	resp := postJSON(t, ts.URL+"/runs", req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestListRunsRequiresFilter(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListRunsByWorkspace(t *testing.T) {
	ts, _, _ := testServer(t)
	postJSON(t, ts.URL+"/runs", validContractRequest("ws-list")).Body.Close()

	resp, err := http.Get(ts.URL + "/runs?workspace_id=ws-list")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var runs []*ledger.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestBoardEndpoint(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/runs/board")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	ts, l, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/runs", validContractRequest("ws2"))
	var run ledger.Run
	json.NewDecoder(resp.Body).Decode(&run)
	resp.Body.Close()

	waitForState(t, l, run.RunID, statemachine.Executing, time.Second)

	cancelResp := postJSON(t, ts.URL+fmt.Sprintf("/runs/%s/cancel", run.RunID), map[string]string{"reason": "test"})
	defer cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", cancelResp.StatusCode)
	}
	waitForState(t, l, run.RunID, statemachine.Cancelled, 2*time.Second)
}

func TestApprovalsListAndApprove(t *testing.T) {
	ts, l, orch := testServer(t)

	resp := postJSON(t, ts.URL+"/runs", validContractRequest("ws3"))
	var run ledger.Run
	json.NewDecoder(resp.Body).Decode(&run)
	resp.Body.Close()

	waitForState(t, l, run.RunID, statemachine.Executing, time.Second)

	if _, err := orch.Approvals.RequestApproval(run.RunID, "cp-1", "deploy", nil, 60, contract.TimeoutReject); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	listResp, err := http.Get(ts.URL + "/approvals?run_id=" + run.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var pending []*approval.Approval
	json.NewDecoder(listResp.Body).Decode(&pending)
	listResp.Body.Close()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	approveResp := postJSON(t, ts.URL+"/approvals/cp-1/approve", map[string]string{"approver_id": "alice"})
	defer approveResp.Body.Close()
	if approveResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", approveResp.StatusCode)
	}
}

func TestApproveUnknownCheckpoint(t *testing.T) {
	ts, _, _ := testServer(t)
	resp := postJSON(t, ts.URL+"/approvals/no-such-cp/approve", map[string]string{"approver_id": "alice"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthzAndVersion(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	vresp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer vresp.Body.Close()
	if vresp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", vresp.StatusCode)
	}
}

func waitForState(t *testing.T, l *ledger.Ledger, runID string, want statemachine.State, timeout time.Duration) *ledger.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := l.GetRun(runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := l.GetRun(runID)
	t.Fatalf("timed out waiting for state %s, last seen %s", want, run.State)
	return nil
}
