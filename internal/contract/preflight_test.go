package contract

import "testing"

func validContract() Contract {
	return Contract{
		Goal:               "summarize",
		MaxDurationSeconds: 60,
		SuccessCriteria:    []SuccessCriterion{{ID: "S1", EvidenceType: EvidenceFileExists}},
		Deliverables:       []Deliverable{{ID: "D1", Type: "markdown", Required: true}},
		ToolPolicy:         ToolPolicy{Allowed: []string{"read", "write"}},
		OutputDestinations: []OutputDestination{{DeliverableID: "D1", Path: "out.md"}},
	}
}

func TestPreflightAcceptsValidContract(t *testing.T) {
	c := validContract()
	if errs := Preflight(&c); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestPreflightRejectsZeroDuration(t *testing.T) {
	c := validContract()
	c.MaxDurationSeconds = 0
	if errs := Preflight(&c); len(errs) == 0 {
		t.Fatal("expected error for zero max_duration_seconds")
	}
}

func TestPreflightRejectsOverlappingAllowBlock(t *testing.T) {
	c := validContract()
	c.ToolPolicy.Blocked = []string{"read"}
	errs := Preflight(&c)
	if len(errs) == 0 {
		t.Fatal("expected error for overlapping allow/block")
	}
}

func TestPreflightRejectsMissingOutputDestination(t *testing.T) {
	c := validContract()
	c.OutputDestinations = nil
	errs := Preflight(&c)
	if len(errs) == 0 {
		t.Fatal("expected error for required deliverable missing output_destinations")
	}
}

func TestPreflightRejectsDanglingOutputDestination(t *testing.T) {
	c := validContract()
	c.OutputDestinations = append(c.OutputDestinations, OutputDestination{DeliverableID: "missing", Path: "x"})
	errs := Preflight(&c)
	if len(errs) == 0 {
		t.Fatal("expected error for output_destinations referencing unknown deliverable")
	}
}

func TestPreflightRejectsDuplicateIDs(t *testing.T) {
	c := validContract()
	c.Deliverables = append(c.Deliverables, Deliverable{ID: "D1", Type: "markdown"})
	errs := Preflight(&c)
	if len(errs) == 0 {
		t.Fatal("expected error for duplicate deliverable id")
	}
}
