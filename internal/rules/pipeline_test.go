package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/ruleskeeper/internal/types"
)

func compileAll(t *testing.T, rules ...*types.Rule) []*CompiledRule {
	t.Helper()
	SortSnapshot(rules)
	out := make([]*CompiledRule, len(rules))
	for i, r := range rules {
		c, err := Compile(r)
		if err != nil {
			t.Fatalf("Compile(%s) error = %v", r.ID, err)
		}
		out[i] = c
	}
	return out
}

func TestMatch_PriorityAndStopOnMatch(t *testing.T) {
	// count_calls records every evaluation of the rules below the stop rule
	calls := 0
	reg := NewRegistry(WithClock(fixedClock))
	reg.Register(Function{
		Name:      "count_calls",
		Arity:     1,
		ResultKey: "calls",
		Fn: func(Call) (any, error) {
			calls++
			return float64(calls), nil
		},
	})
	counted := `{"fn": "count_calls", "args": ["event.amount"], "op": ">=", "value": 0}`

	r900 := testRule("r900", 900, `{}`, types.Action{Type: "block"})
	r900.StopOnMatch = true
	r500 := testRule("r500", 500, counted, types.Action{Type: "flag"})
	r100 := testRule("r100", 100, counted, types.Action{Type: "log"})

	result := Match(compileAll(t, r100, r500, r900), NewScope(nil, nil), reg)

	if diff := cmp.Diff([]types.RuleID{"r900"}, result.MatchedRuleIDs); diff != "" {
		t.Errorf("MatchedRuleIDs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]types.Action{{Type: "block"}}, result.Actions); diff != "" {
		t.Errorf("Actions mismatch (-want +got):\n%s", diff)
	}
	if len(result.Explanation) != 2 {
		t.Fatalf("len(Explanation) = %d, want 2", len(result.Explanation))
	}
	note, ok := result.Explanation[1].(NoteEntry)
	if !ok || note.Message != "Stopped at rule r900 (stop_on_match=True)" {
		t.Errorf("Explanation[1] = %#v, want stop note", result.Explanation[1])
	}
	if calls != 0 {
		t.Errorf("rules after the stop rule evaluated %d times, want 0", calls)
	}

	// Without the stop rule the same conditions are evaluated
	result = Match(compileAll(t, r100, r500), NewScope(nil, nil), reg)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if diff := cmp.Diff([]types.RuleID{"r500", "r100"}, result.MatchedRuleIDs); diff != "" {
		t.Errorf("MatchedRuleIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestMatch_CollectsInPriorityOrder(t *testing.T) {
	big := `{"field": "event.amount", "op": ">", "value": 1000}`
	r1 := testRule("low", 10, big, types.Action{Type: "a1"}, types.Action{Type: "a2"})
	r2 := testRule("high", 50, big, types.Action{Type: "b1"})
	r3 := testRule("miss", 30, `{"field": "event.amount", "op": "<", "value": 0}`, types.Action{Type: "never"})

	result := Match(compileAll(t, r1, r2, r3), NewScope(types.Document{"amount": float64(5000)}, nil), nil)

	if diff := cmp.Diff([]types.RuleID{"high", "low"}, result.MatchedRuleIDs); diff != "" {
		t.Errorf("MatchedRuleIDs mismatch (-want +got):\n%s", diff)
	}
	wantActions := []types.Action{{Type: "b1"}, {Type: "a1"}, {Type: "a2"}}
	if diff := cmp.Diff(wantActions, result.Actions); diff != "" {
		t.Errorf("Actions mismatch (-want +got):\n%s", diff)
	}
	// non-matching rules leave no explanation block
	for _, b := range result.Explanation {
		if rb, ok := b.(RuleBlock); ok && rb.RuleID == "miss" {
			t.Error("explanation contains non-matching rule")
		}
	}
}

func TestMatch_EmptySnapshot(t *testing.T) {
	result := Match(nil, NewScope(nil, nil), nil)
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"matched_rule_ids": []any{},
		"actions":          []any{},
		"explanation":      []any{},
		"elapsed_ms":       float64(0),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("empty result mismatch (-want +got):\n%s", diff)
	}
}

func TestMatch_ExplanationJSON(t *testing.T) {
	rule := testRule("large_withdrawal", 100, withdrawalCondition, types.Action{Type: "flag", Payload: map[string]any{"reason": "large"}})
	result := Match(compileAll(t, rule), NewScope(types.Document{"type": "withdrawal", "amount": float64(60000)}, nil), nil)

	data, err := json.Marshal(result.Explanation)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(explanation) = %d, want 1", len(got))
	}
	if got[0]["rule_id"] != "large_withdrawal" || got[0]["rule_name"] != "large withdrawal" || got[0]["matched"] != true {
		t.Errorf("rule block header = %v", got[0])
	}
	if entries, _ := got[0]["explanation"].([]any); len(entries) != 3 {
		t.Errorf("rule block explanation has %d entries, want 3", len(entries))
	}
}

func TestSimulate_KeepsTraceOnMiss(t *testing.T) {
	rule := testRule("large_withdrawal", 100, withdrawalCondition, types.Action{Type: "flag"})
	compiled := compileAll(t, rule)[0]

	miss := Simulate(compiled, NewScope(types.Document{"type": "deposit", "amount": float64(60000)}, nil), nil)
	if miss.Matched {
		t.Error("Matched = true, want false")
	}
	if len(miss.WouldExecute) != 0 || miss.WouldExecute == nil {
		t.Errorf("WouldExecute = %#v, want empty non-nil", miss.WouldExecute)
	}
	if len(miss.Explanation) != 3 {
		t.Errorf("len(Explanation) = %d, want 3", len(miss.Explanation))
	}

	hit := Simulate(compiled, NewScope(types.Document{"type": "withdrawal", "amount": float64(60000)}, nil), nil)
	if diff := cmp.Diff([]types.Action{{Type: "flag"}}, hit.WouldExecute); diff != "" {
		t.Errorf("WouldExecute mismatch (-want +got):\n%s", diff)
	}
}

func TestSortSnapshot_TieBreaksOnCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := testRule("older", 100, `{}`)
	older.CreatedAt = base
	newer := testRule("newer", 100, `{}`)
	newer.CreatedAt = base.Add(time.Hour)
	top := testRule("top", 200, `{}`)
	top.CreatedAt = base.Add(-time.Hour)

	rules := []*types.Rule{older, top, newer}
	SortSnapshot(rules)

	got := []types.RuleID{rules[0].ID, rules[1].ID, rules[2].ID}
	if diff := cmp.Diff([]types.RuleID{"top", "newer", "older"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// Property-based test: matched ids follow snapshot order and stop at the
// first stop_on_match rule
func TestMatch_PropertyStopOnMatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nothing after a stopping rule", prop.ForAll(
		func(n int, stopAt int) bool {
			rules := make([]*CompiledRule, n)
			for i := range rules {
				rules[i] = &CompiledRule{
					ID:          types.RuleID(string(rune('a' + i))),
					StopOnMatch: i == stopAt,
					Actions:     []types.Action{},
				}
			}
			result := Match(rules, NewScope(nil, nil), nil)

			want := n
			if stopAt < n {
				want = stopAt + 1
			}
			if len(result.MatchedRuleIDs) != want {
				return false
			}
			for i, id := range result.MatchedRuleIDs {
				if id != rules[i].ID {
					return false
				}
			}
			blocks := want
			if stopAt < n {
				blocks++
			}
			return len(result.Explanation) == blocks
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 25),
	))

	properties.TestingRun(t)
}
