// Package policy implements the runtime half of the Contract Validator (C7):
// checking every proposed tool invocation against a contract's tool policy
// and constraints, and reporting drift. Generalized from the teacher's
// internal/engine.Evaluate pipeline (glob matching, ordered allow/block
// checks) away from the K8s guardrail CRD input onto the plain Contract
// types from internal/contract.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/marcus-qen/runctl/internal/contract"
)

// Verdict is the outcome of evaluating one proposed tool call.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Decision is the result of Evaluate: whether the call may proceed, and if
// not, why — feeding the drift.detected event payload.
type Decision struct {
	Verdict       Verdict
	Reason        string
	ViolatedRule  string // constraint id, or "tool_policy" for the allow/block list itself
	ProposedFallback string
}

// Call describes one proposed tool invocation.
type Call struct {
	Tool string
	Path string // file path argument, if any; empty if not path-shaped
	Args string // raw textual arguments, for pattern matching
}

// Evaluate checks call against c's tool_policy and constraints, in the order
// specified by §4.4: an explicit block is checked first, then a non-empty
// allow-list, then constraint checks.
func Evaluate(c *contract.Contract, call Call) Decision {
	for _, blocked := range c.ToolPolicy.Blocked {
		if matchesTool(blocked, call.Tool) {
			return Decision{
				Verdict: VerdictDeny, Reason: "tool explicitly blocked", ViolatedRule: "tool_policy",
				ProposedFallback: "request approval or choose an allowed tool",
			}
		}
	}
	if len(c.ToolPolicy.Allowed) > 0 && !anyMatchesTool(c.ToolPolicy.Allowed, call.Tool) {
		return Decision{Verdict: VerdictDeny, Reason: "tool not in allow list", ViolatedRule: "tool_policy"}
	}

	for _, ct := range c.Constraints {
		if d, violated := evaluateConstraint(ct, call); violated {
			return d
		}
	}

	return Decision{Verdict: VerdictAllow}
}

func evaluateConstraint(ct contract.Constraint, call Call) (Decision, bool) {
	switch ct.RuleType {
	case contract.RuleToolBlocked:
		if matchesTool(ct.RuleSpec, call.Tool) {
			return Decision{Verdict: VerdictDeny, Reason: "constraint " + ct.ID + " blocks tool", ViolatedRule: ct.ID}, true
		}
	case contract.RulePathBlocked:
		if call.Path != "" && matchesPath(ct.RuleSpec, call.Path) {
			return Decision{Verdict: VerdictDeny, Reason: "constraint " + ct.ID + " blocks path", ViolatedRule: ct.ID}, true
		}
	case contract.RulePatternBlocked:
		if re, err := regexp.Compile(ct.RuleSpec); err == nil && re.MatchString(call.Args) {
			return Decision{Verdict: VerdictDeny, Reason: "constraint " + ct.ID + " matched blocked pattern", ViolatedRule: ct.ID}, true
		}
	case contract.RuleCustom:
		if pred, ok := customPredicates[ct.RuleSpec]; ok && pred(call) {
			return Decision{Verdict: VerdictDeny, Reason: "constraint " + ct.ID + " failed custom predicate", ViolatedRule: ct.ID}, true
		}
	}
	return Decision{}, false
}

// customPredicates dispatches "custom" constraint rule_specs to named
// predicates, per §4.4's "opaque spec dispatched to a named predicate".
var customPredicates = map[string]func(Call) bool{}

// RegisterCustomPredicate installs a named predicate for RuleCustom
// constraints to dispatch to.
func RegisterCustomPredicate(name string, pred func(Call) bool) {
	customPredicates[name] = pred
}

func anyMatchesTool(patterns []string, s string) bool {
	for _, p := range patterns {
		if matchesTool(p, s) {
			return true
		}
	}
	return false
}

// matchesTool reports whether pattern matches a tool name: a glob if pattern
// contains glob metacharacters, otherwise an exact match. §4.4 specifies
// tool_policy/tool_blocked as a name match, not a prefix, so a blocked
// "delete" must not also block "delete_nothing".
func matchesTool(pattern, s string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := filepath.Match(pattern, s)
		return err == nil && ok
	}
	return pattern == s
}

// matchesPath reports whether pattern matches a file path: a glob if pattern
// contains glob metacharacters, an exact match, or a directory/file-path
// prefix otherwise — path_blocked rules commonly name a directory that
// should block everything beneath it.
func matchesPath(pattern, s string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := filepath.Match(pattern, s)
		return err == nil && ok
	}
	return pattern == s || strings.HasPrefix(s, pattern)
}
