package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/runctl/internal/approval"
	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/cost"
	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/sandbox"
	"github.com/marcus-qen/runctl/internal/statemachine"
	"github.com/marcus-qen/runctl/internal/vault"
)

// ginkgoHarness is the BDD-suite counterpart of testHarness: same wiring,
// built without a *testing.T since Ginkgo's It blocks don't carry one.
type ginkgoHarness struct {
	o       *Orchestrator
	ledger  *ledger.Ledger
	events  *eventlog.Store
	adapter *fakeAdapter
}

func newGinkgoHarness() *ginkgoHarness {
	dir, err := os.MkdirTemp("", "runctl-e2e-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })

	l, err := ledger.New(filepath.Join(dir, "ledger.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { l.Close() })

	ev, err := eventlog.NewStore(filepath.Join(dir, "events.db"), 256)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { ev.Close() })

	bus := eventbus.NewBus(64)
	costs := cost.NewTracker(l, nil)
	vlt := vault.New(filepath.Join(dir, "artifacts"), filepath.Join(dir, "traces"), "")
	adapter := newFakeAdapter()

	o := New(l, ev, bus, nil, costs, vlt, adapter, nil, nil, nil)
	appr := approval.New(l, func(runID string, typ eventlog.Type, sev eventlog.Severity, payload map[string]any) error {
		o.appendSafe(runID, typ, sev, "awaiting_approval", payload)
		return nil
	})
	o.Approvals = appr

	return &ginkgoHarness{o: o, ledger: l, events: ev, adapter: adapter}
}

func (h *ginkgoHarness) stateOf(runID string) statemachine.State {
	run, err := h.ledger.GetRun(runID)
	Expect(err).NotTo(HaveOccurred())
	return run.State
}

var _ = Describe("end-to-end run scenarios", func() {
	var h *ginkgoHarness

	BeforeEach(func() {
		h = newGinkgoHarness()
	})

	It("scenario 1: happy path runs a write tool call through to completion", func() {
		spec := baseSpec()
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.sendControl(controlMessage{Control: "tool_call", Tool: "write", Path: "out.md"})
		h.adapter.send(sandbox.Signal{Kind: sandbox.SignalResult, TS: time.Now().UTC()})

		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 2*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Completed))

		final, err := h.ledger.GetRun(run.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Artifacts).To(HaveLen(1))

		evts := h.events.List(run.RunID, eventlog.Filter{AfterSeq: -1})
		var types []eventlog.Type
		for _, e := range evts {
			types = append(types, e.Type)
		}
		Expect(types).To(ContainElement(eventlog.TypeRunStarted))
		Expect(types).To(ContainElement(eventlog.TypeToolCalled))
		Expect(types).To(ContainElement(eventlog.TypeArtifactCreated))
		Expect(types).To(ContainElement(eventlog.TypeRunCompleted))
	})

	It("scenario 2: an approved checkpoint resumes the run to completion", func() {
		spec := baseSpec()
		spec.Contract.ApprovalRules = []contract.ApprovalRule{
			{ActionType: "send_email", Condition: contract.CondAlways, TimeoutSeconds: 60, AutoActionOnTimeout: contract.TimeoutReject},
		}
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.sendControl(controlMessage{Control: "checkpoint_request", CheckpointID: "cp1", ActionType: "send_email"})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.AwaitingApproval))

		a, err := h.o.Approvals.Approve("cp1", "u1", approval.SourceWeb)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Status).To(Equal(approval.StatusApproved))

		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.send(sandbox.Signal{Kind: sandbox.SignalResult, TS: time.Now().UTC()})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 2*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Completed))
	})

	It("scenario 3: a needs_edit rejection pauses the run, then resume continues it", func() {
		spec := baseSpec()
		spec.Contract.ApprovalRules = []contract.ApprovalRule{
			{ActionType: "send_email", Condition: contract.CondAlways, TimeoutSeconds: 60, AutoActionOnTimeout: contract.TimeoutReject},
		}
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.sendControl(controlMessage{Control: "checkpoint_request", CheckpointID: "cp1", ActionType: "send_email"})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.AwaitingApproval))

		a, err := h.o.Approvals.Reject("cp1", approval.ReasonNeedsEdit, "u1", approval.SourceWeb)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Status).To(Equal(approval.StatusRejected))

		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Paused))

		Expect(h.o.Resume(run.RunID)).To(Succeed())
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.send(sandbox.Signal{Kind: sandbox.SignalResult, TS: time.Now().UTC()})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 2*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Completed))
	})

	It("scenario 4: an idle run past max_duration_seconds fails with timeout and packages partial artifacts", func() {
		spec := baseSpec()
		spec.Contract.MaxDurationSeconds = 1
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 3*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Failed))

		final, err := h.ledger.GetRun(run.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Error).NotTo(BeNil())
		Expect(final.Error.Kind).To(Equal("timeout"))
		Expect(final.Artifacts).To(HaveLen(1))
	})

	It("scenario 5: a blocked tool call is denied and logged as drift without failing the run", func() {
		spec := baseSpec()
		spec.Contract.ToolPolicy.Blocked = []string{"delete"}
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.sendControl(controlMessage{Control: "tool_call", Tool: "delete", Path: "/repo/a.py"})

		Eventually(func() []eventlog.Type {
			var types []eventlog.Type
			for _, e := range h.events.List(run.RunID, eventlog.Filter{AfterSeq: -1}) {
				types = append(types, e.Type)
			}
			return types
		}, time.Second, 10*time.Millisecond).Should(ContainElement(eventlog.TypeDriftDetected))

		Consistently(func() statemachine.State { return h.stateOf(run.RunID) }, 200*time.Millisecond, 20*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.send(sandbox.Signal{Kind: sandbox.SignalResult, TS: time.Now().UTC()})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 2*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Completed))
	})

	It("scenario 6: a client resuming from after_seq sees no duplicates and no gaps", func() {
		spec := baseSpec()
		run, err := h.o.Start(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Executing))

		h.adapter.sendControl(controlMessage{Control: "tool_call", Tool: "read_file", Path: "a.py"})
		h.adapter.send(sandbox.Signal{Kind: sandbox.SignalResult, TS: time.Now().UTC()})
		Eventually(func() statemachine.State { return h.stateOf(run.RunID) }, 2*time.Second, 10*time.Millisecond).
			Should(Equal(statemachine.Completed))

		full := h.events.List(run.RunID, eventlog.Filter{AfterSeq: -1})
		Expect(len(full)).To(BeNumerically(">", 2))

		cursor := full[1].Seq
		replay := h.events.List(run.RunID, eventlog.Filter{AfterSeq: cursor})
		combined := append(append([]eventlog.Event{}, full[:2]...), replay...)

		Expect(combined).To(HaveLen(len(full)))
		for i, e := range combined {
			Expect(e.Seq).To(Equal(int64(i)))
		}
	})
})
