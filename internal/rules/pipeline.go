// internal/rules/pipeline.go
package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Matching pipeline.
 *
 * Runs the condition evaluator over an ordered rule snapshot and aggregates
 * the outcome into a MatchResult.
 *
 * Ordering: the snapshot arrives sorted by priority descending, ties broken
 * by creation time descending. Match iterates it as given; SortSnapshot is
 * provided for sources that cannot order natively.
 *
 * Per rule:
 *   - match: append id, append actions in rule order, append a RuleBlock
 *   - match with stop_on_match: also append a NoteEntry and stop; later rules
 *     are never evaluated
 *   - no match: nothing is recorded (no negative evidence)
 *
 * Match is a pure function of its inputs apart from reading the clock for
 * elapsed_ms; concurrent calls share nothing.
 */

// MatchResult is the aggregated outcome of matching one event.
type MatchResult struct {
	MatchedRuleIDs []types.RuleID  `json:"matched_rule_ids"`
	Actions        []types.Action `json:"actions"`
	Explanation    []Block        `json:"explanation"`
	ElapsedMs      int64          `json:"elapsed_ms"`
}

// EmptyResult returns a result with non-nil, empty slices.
func EmptyResult() MatchResult {
	return MatchResult{
		MatchedRuleIDs: []types.RuleID{},
		Actions:        []types.Action{},
		Explanation:    []Block{},
	}
}

// StopNote is the pipeline note appended when a stop_on_match rule fires.
func StopNote(id types.RuleID) NoteEntry {
	return NoteEntry{Message: fmt.Sprintf("Stopped at rule %s (stop_on_match=True)", id)}
}

// Match evaluates rules in order against scope.
func Match(rules []*CompiledRule, scope Scope, reg *Registry) MatchResult {
	start := time.Now()
	result := EmptyResult()

	for _, rule := range rules {
		matched, trace := Evaluate(rule.Root, scope, reg)
		if !matched {
			continue
		}

		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)
		result.Actions = append(result.Actions, rule.Actions...)
		result.Explanation = append(result.Explanation, RuleBlock{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Matched:     true,
			Explanation: trace,
		})

		if rule.StopOnMatch {
			result.Explanation = append(result.Explanation, StopNote(rule.ID))
			break
		}
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

// SimulationResult is the outcome of evaluating a single rule in isolation.
// Unlike Match, the trace is kept whether or not the rule matched.
type SimulationResult struct {
	Matched      bool           `json:"matched"`
	RuleID       types.RuleID   `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	WouldExecute []types.Action `json:"would_execute"`
	Explanation  Trace          `json:"explanation"`
}

// Simulate evaluates one rule and reports the actions it would produce.
func Simulate(rule *CompiledRule, scope Scope, reg *Registry) SimulationResult {
	matched, trace := Evaluate(rule.Root, scope, reg)
	would := []types.Action{}
	if matched {
		would = append(would, rule.Actions...)
	}
	return SimulationResult{
		Matched:      matched,
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		WouldExecute: would,
		Explanation:  trace,
	}
}

// SortSnapshot orders rules by priority descending, then created_at
// descending. Stable so equal keys keep their input order.
func SortSnapshot(rules []*types.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
}
