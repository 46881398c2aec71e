// Package contract defines the immutable, per-run Contract (C1) and its
// pre-run validation (the static half of C7). Runtime tool-call policy
// enforcement lives in internal/policy, which consumes the types defined
// here.
package contract

// EvidenceType classifies how a success criterion is verified.
type EvidenceType string

const (
	EvidenceFileExists  EvidenceType = "file_exists"
	EvidenceAPIResponse EvidenceType = "api_response"
	EvidenceTestPassed  EvidenceType = "test_passed"
	EvidenceManualCheck EvidenceType = "manual_check"
)

// RuleType classifies a runtime constraint.
type RuleType string

const (
	RuleToolBlocked    RuleType = "tool_blocked"
	RulePathBlocked    RuleType = "path_blocked"
	RulePatternBlocked RuleType = "pattern_blocked"
	RuleCustom         RuleType = "custom"
)

// ApprovalCondition governs when an action_type requires human approval.
type ApprovalCondition string

const (
	CondAlways     ApprovalCondition = "always"
	CondFirstTime  ApprovalCondition = "first_time"
	CondIfExternal ApprovalCondition = "if_external"
	CondNever      ApprovalCondition = "never"
)

// TimeoutAction governs what happens to a pending approval past its deadline.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// SuccessCriterion is one condition the run must satisfy to be considered
// complete.
type SuccessCriterion struct {
	ID           string       `json:"id" yaml:"id"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	EvidenceType EvidenceType `json:"evidence_type" yaml:"evidence_type"`
	EvidenceSpec string       `json:"evidence_spec,omitempty" yaml:"evidence_spec,omitempty"`
}

// Deliverable is one artifact the run is expected to produce.
type Deliverable struct {
	ID                 string `json:"id" yaml:"id"`
	Type               string `json:"type" yaml:"type"`
	DestinationPattern string `json:"destination_pattern" yaml:"destination_pattern"`
	Required           bool   `json:"required" yaml:"required"`
}

// Constraint is one runtime-enforced rule.
type Constraint struct {
	ID       string   `json:"id" yaml:"id"`
	RuleType RuleType `json:"rule_type" yaml:"rule_type"`
	RuleSpec string   `json:"rule_spec" yaml:"rule_spec"`
}

// ToolPolicy is the allow/block list governing which tools a run may invoke.
type ToolPolicy struct {
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

// ApprovalRule binds an action type to an approval condition.
type ApprovalRule struct {
	ActionType         string            `json:"action_type" yaml:"action_type"`
	Condition          ApprovalCondition `json:"condition" yaml:"condition"`
	TimeoutSeconds     int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	AutoActionOnTimeout TimeoutAction    `json:"auto_action_on_timeout" yaml:"auto_action_on_timeout"`
}

// OutputDestination maps a deliverable id to where it must ultimately land.
type OutputDestination struct {
	DeliverableID string `json:"deliverable_id" yaml:"deliverable_id"`
	Path          string `json:"path" yaml:"path"`
}

// Contract is the immutable, versioned, per-run specification a run must
// obey. Once a run is created its Contract is snapshotted into the Ledger and
// never mutated.
type Contract struct {
	ContractVersion   int                 `json:"contract_version" yaml:"contract_version"`
	TemplateID        string              `json:"template_id" yaml:"template_id"`
	TemplateVersion   string              `json:"template_version" yaml:"template_version"`
	Goal              string              `json:"goal" yaml:"goal"`
	SuccessCriteria   []SuccessCriterion  `json:"success_criteria" yaml:"success_criteria"`
	Deliverables      []Deliverable       `json:"deliverables" yaml:"deliverables"`
	Constraints       []Constraint        `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	ToolPolicy        ToolPolicy          `json:"tool_policy" yaml:"tool_policy"`
	IntegrationScopes []string            `json:"integration_scopes,omitempty" yaml:"integration_scopes,omitempty"`
	ApprovalRules     []ApprovalRule      `json:"approval_rules,omitempty" yaml:"approval_rules,omitempty"`
	MaxDurationSeconds int                `json:"max_duration_seconds" yaml:"max_duration_seconds"`
	MaxCostCents      *int64              `json:"max_cost_cents,omitempty" yaml:"max_cost_cents,omitempty"`
	InputFiles        []string            `json:"input_files,omitempty" yaml:"input_files,omitempty"`
	OutputDestinations []OutputDestination `json:"output_destinations,omitempty" yaml:"output_destinations,omitempty"`
}

// ApprovalRuleFor returns the approval rule matching actionType, if any.
func (c *Contract) ApprovalRuleFor(actionType string) (ApprovalRule, bool) {
	for _, r := range c.ApprovalRules {
		if r.ActionType == actionType {
			return r, true
		}
	}
	return ApprovalRule{}, false
}
