package contract

import (
	"fmt"
	"strings"
)

// Preflight runs the static, pre-run schema and consistency checks from
// §4.4. It returns every violation found rather than failing fast, so a
// caller can surface the full list to whoever submitted the contract.
func Preflight(c *Contract) []error {
	var errs []error

	if c.MaxDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("max_duration_seconds must be > 0"))
	}
	if strings.TrimSpace(c.Goal) == "" {
		errs = append(errs, fmt.Errorf("goal must not be empty"))
	}

	seen := map[string]bool{}
	for _, sc := range c.SuccessCriteria {
		if seen[sc.ID] {
			errs = append(errs, fmt.Errorf("duplicate success_criteria id %q", sc.ID))
		}
		seen[sc.ID] = true
		switch sc.EvidenceType {
		case EvidenceFileExists, EvidenceAPIResponse, EvidenceTestPassed, EvidenceManualCheck:
		default:
			errs = append(errs, fmt.Errorf("success_criteria %q has unknown evidence_type %q", sc.ID, sc.EvidenceType))
		}
	}

	deliverableIDs := map[string]bool{}
	for _, d := range c.Deliverables {
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate id %q reused by deliverable", d.ID))
		}
		seen[d.ID] = true
		if deliverableIDs[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate deliverable id %q", d.ID))
		}
		deliverableIDs[d.ID] = true
	}

	constraintIDs := map[string]bool{}
	for _, ct := range c.Constraints {
		if constraintIDs[ct.ID] {
			errs = append(errs, fmt.Errorf("duplicate constraint id %q", ct.ID))
		}
		constraintIDs[ct.ID] = true
		switch ct.RuleType {
		case RuleToolBlocked, RulePathBlocked, RulePatternBlocked, RuleCustom:
		default:
			errs = append(errs, fmt.Errorf("constraint %q has unknown rule_type %q", ct.ID, ct.RuleType))
		}
	}

	allowedSet := map[string]bool{}
	for _, a := range c.ToolPolicy.Allowed {
		allowedSet[a] = true
	}
	for _, b := range c.ToolPolicy.Blocked {
		if allowedSet[b] {
			errs = append(errs, fmt.Errorf("tool %q appears in both tool_policy.allowed and tool_policy.blocked", b))
		}
	}

	actionTypes := map[string]bool{}
	for _, r := range c.ApprovalRules {
		if actionTypes[r.ActionType] {
			errs = append(errs, fmt.Errorf("duplicate approval_rule for action_type %q", r.ActionType))
		}
		actionTypes[r.ActionType] = true
		switch r.Condition {
		case CondAlways, CondFirstTime, CondIfExternal, CondNever:
		default:
			errs = append(errs, fmt.Errorf("approval_rule %q has unknown condition %q", r.ActionType, r.Condition))
		}
	}

	for _, od := range c.OutputDestinations {
		if !deliverableIDs[od.DeliverableID] {
			errs = append(errs, fmt.Errorf("output_destinations references unknown deliverable_id %q", od.DeliverableID))
		}
	}
	for _, d := range c.Deliverables {
		found := false
		for _, od := range c.OutputDestinations {
			if od.DeliverableID == d.ID {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("deliverable %q has no output_destinations entry", d.ID))
		}
	}

	return errs
}
