package rules

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/solatis/ruleskeeper/internal/types"
)

func testRule(id string, priority int, conditions string, actions ...types.Action) *types.Rule {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.Rule{
		ID:         types.RuleID(id),
		Name:       strings.ReplaceAll(id, "_", " "),
		Priority:   priority,
		Active:     true,
		Version:    1,
		Conditions: json.RawMessage(conditions),
		Actions:    actions,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestDecodeCondition_Classification(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantKind    NodeKind
		wantProblem string
		wantErr     bool
	}{
		{name: "empty input", raw: ``, wantKind: KindEmpty},
		{name: "null", raw: `null`, wantKind: KindEmpty},
		{name: "empty object", raw: `{}`, wantKind: KindEmpty},
		{name: "AND", raw: `{"type": "AND", "clauses": []}`, wantKind: KindLogical},
		{name: "NOT", raw: `{"type": "NOT", "clauses": [{}]}`, wantKind: KindLogical},
		{name: "function", raw: `{"fn": "days_since", "args": ["event.ts"]}`, wantKind: KindFunction},
		{name: "comparison", raw: `{"field": "event.a", "op": "==", "value": 1}`, wantKind: KindComparison},
		{name: "comparison without value", raw: `{"field": "event.a", "op": "=="}`, wantKind: KindComparison},
		{name: "logical wins over field", raw: `{"type": "OR", "field": "event.a", "op": "=="}`, wantKind: KindLogical},
		{name: "unknown type", raw: `{"type": "XOR"}`, wantKind: KindInvalid, wantProblem: msgInvalidStructure},
		{name: "field without op", raw: `{"field": "event.a"}`, wantKind: KindInvalid, wantProblem: msgInvalidStructure},
		{name: "clauses not a list", raw: `{"type": "AND", "clauses": {}}`, wantKind: KindInvalid, wantProblem: msgClausesNotList},
		{name: "fn not a string", raw: `{"fn": 3}`, wantKind: KindInvalid, wantProblem: msgFnNotString},
		{name: "args not strings", raw: `{"fn": "days_since", "args": [1]}`, wantKind: KindInvalid, wantProblem: msgArgsNotStrings},
		{name: "field not a string", raw: `{"field": 1, "op": "=="}`, wantKind: KindInvalid, wantProblem: msgFieldNotString},
		{name: "scalar", raw: `42`, wantKind: KindInvalid, wantProblem: msgInvalidStructure},
		{name: "syntax error", raw: `{"type":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := DecodeCondition(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCondition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if node.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", node.Kind, tt.wantKind)
			}
			if node.Problem != tt.wantProblem {
				t.Errorf("Problem = %q, want %q", node.Problem, tt.wantProblem)
			}
		})
	}
}

func TestDecodeCondition_FunctionComparison(t *testing.T) {
	node, err := DecodeCondition(json.RawMessage(`{"fn": "days_since", "args": ["event.ts"], "op": ">", "value": 7}`))
	if err != nil {
		t.Fatalf("DecodeCondition() error = %v, want nil", err)
	}
	want := &FunctionNode{
		Name:          "days_since",
		Args:          []string{"event.ts"},
		HasComparison: true,
		Op:            ">",
		Value:         float64(7),
	}
	if diff := cmp.Diff(want, node.Function); diff != "" {
		t.Errorf("FunctionNode mismatch (-want +got):\n%s", diff)
	}

	// op without value is a presence check
	node, _ = DecodeCondition(json.RawMessage(`{"fn": "days_since", "args": ["event.ts"], "op": ">"}`))
	if node.Function.HasComparison {
		t.Error("HasComparison = true without value, want false")
	}
}

func TestValidate(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "clean tree",
			raw:  withdrawalCondition,
			want: nil,
		},
		{
			name: "nested problems with paths",
			raw: `{"type": "AND", "clauses": [
				{"field": "event.a", "op": "like", "value": 1},
				{"type": "NOT", "clauses": []},
				{"fn": "nope", "args": []},
				{"fn": "days_since", "args": ["a", "b"]},
				{"type": "XOR"}
			]}`,
			want: []string{
				`$.clauses[0]: unknown operator "like"`,
				`$.clauses[1]: NOT operator requires exactly one clause`,
				`$.clauses[2]: unknown function "nope"`,
				`$.clauses[3]: days_since requires one argument`,
				`$.clauses[4]: Invalid condition structure`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := mustNode(t, tt.raw)
			if diff := cmp.Diff(tt.want, Validate(node, reg)); diff != "" {
				t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	rule := testRule("regex_rule", 10, `{"field": "event.ref", "op": "regex", "value": "\\d+"}`)
	compiled, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	if compiled.Root.Comparison.pattern == nil {
		t.Error("regex pattern not precompiled")
	}
	if compiled.Actions == nil {
		t.Error("Actions = nil, want empty slice")
	}

	ok, _ := Evaluate(compiled.Root, NewScope(types.Document{"ref": "order-12345"}, nil), nil)
	if !ok {
		t.Error("Evaluate(compiled regex) = false, want true")
	}
}

func TestCompile_BadPatternFailsAtEvaluation(t *testing.T) {
	compiled, err := Compile(testRule("bad_regex", 10, `{"field": "event.ref", "op": "regex", "value": "("}`))
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	if compiled.Root.Comparison.pattern != nil {
		t.Error("invalid pattern was precompiled")
	}
	ok, trace := Evaluate(compiled.Root, NewScope(types.Document{"ref": "("}, nil), nil)
	if ok {
		t.Error("Evaluate() = true, want false")
	}
	if len(trace) != 1 {
		t.Errorf("len(trace) = %d, want 1", len(trace))
	}
}

func TestCompileLenient(t *testing.T) {
	rule := testRule("broken", 10, `{"field":`)
	if _, err := Compile(rule); err == nil {
		t.Fatal("Compile() error = nil, want decode error")
	}

	compiled := CompileLenient(rule)
	if compiled.Root.Kind != KindInvalid {
		t.Fatalf("Root.Kind = %v, want invalid", compiled.Root.Kind)
	}
	ok, trace := Evaluate(compiled.Root, NewScope(nil, nil), nil)
	if ok {
		t.Error("Evaluate() = true, want false")
	}
	entry, isErr := trace[0].(ErrorEntry)
	if !isErr || !strings.HasPrefix(entry.Error, "Invalid condition JSON") {
		t.Errorf("trace[0] = %#v, want Invalid condition JSON error", trace[0])
	}
}

func TestEngine_PrepareCachesByVersion(t *testing.T) {
	engine := NewEngine(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rule := testRule("cached", 10, `{"field": "event.a", "op": "==", "value": 1}`)

	first := engine.Prepare([]*types.Rule{rule})
	second := engine.Prepare([]*types.Rule{rule})
	if first[0] != second[0] {
		t.Error("unchanged rule was recompiled")
	}

	bumped := *rule
	bumped.Version = 2
	bumped.Conditions = json.RawMessage(`{"field": "event.a", "op": "==", "value": 2}`)
	third := engine.Prepare([]*types.Rule{&bumped})
	if third[0] == second[0] {
		t.Error("new version served from cache")
	}
	if len(engine.cache) != 1 {
		t.Errorf("len(cache) = %d, want 1 after superseding", len(engine.cache))
	}
}

func TestEngine_BrokenRuleDoesNotBlockSnapshot(t *testing.T) {
	engine := NewEngine(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	snapshot := []*types.Rule{
		testRule("broken", 200, `not json`),
		testRule("good", 100, `{}`, types.Action{Type: "flag"}),
	}

	result := engine.Match(snapshot, NewScope(nil, nil))
	if diff := cmp.Diff([]types.RuleID{"good"}, result.MatchedRuleIDs); diff != "" {
		t.Errorf("MatchedRuleIDs mismatch (-want +got):\n%s", diff)
	}
}
