// internal/rules/trace.go
package rules

import (
	"encoding/json"

	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Explanation trace data model.
 *
 * A Trace is the ordered record of one condition evaluation: pre-order over
 * the tree, with every child of a logical node recorded before the node's
 * own summary entry. The pipeline wraps each matched rule's trace in a
 * RuleBlock and interleaves NoteEntry values for pipeline events.
 *
 * JSON shapes:
 *   ComparisonEntry: {"field", "operator", "expected", "actual", "result"}
 *   LogicalEntry:    {"operator", "results", "final"}
 *   FunctionEntry:   {"function", "field", "<result key>", "op"?, "value"?, "result"?, "error"?}
 *   ErrorEntry:      {"error"}
 *   NoteEntry:       {"message"}
 *   RuleBlock:       {"rule_id", "rule_name", "matched", "explanation"}
 */

// Entry is one step of a condition trace.
type Entry interface {
	traceEntry()
}

// Block is one element of a pipeline explanation.
type Block interface {
	explanationBlock()
}

// Trace is the ordered sequence of entries for one condition evaluation.
type Trace []Entry

// MarshalJSON encodes a nil trace as an empty list.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Entry(t))
}

// ComparisonEntry records a field comparison. Actual is null when the
// field did not resolve.
type ComparisonEntry struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
	Result   bool   `json:"result"`
}

// LogicalEntry summarizes an AND or OR node after all of its children.
type LogicalEntry struct {
	Operator string `json:"operator"`
	Results  []bool `json:"results"`
	Final    bool   `json:"final"`
}

// FunctionEntry records a function call and its optional comparison.
type FunctionEntry struct {
	Function      string
	Args          []string
	ResultKey     string
	Derived       any
	Defined       bool
	HasComparison bool
	Op            string
	Expected      any
	Result        bool
	Error         string
}

// MarshalJSON flattens the entry into the trace wire shape. The derived
// value is stored under the function's result key (e.g. "days").
func (e FunctionEntry) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"function": e.Function,
	}
	if len(e.Args) > 0 {
		out["field"] = e.Args[0]
	}
	if len(e.Args) > 1 {
		out["args"] = e.Args
	}
	if !e.Defined {
		out["result"] = nil
		out["error"] = e.Error
		return json.Marshal(out)
	}
	out[e.ResultKey] = e.Derived
	if e.HasComparison {
		out["op"] = e.Op
		out["value"] = e.Expected
		out["result"] = e.Result
	}
	return json.Marshal(out)
}

// ErrorEntry records a structural error in the condition tree.
type ErrorEntry struct {
	Error string `json:"error"`
}

// NoteEntry is a free-text pipeline note.
type NoteEntry struct {
	Message string `json:"message"`
}

// RuleBlock is the explanation for one matched rule.
type RuleBlock struct {
	RuleID      types.RuleID `json:"rule_id"`
	RuleName    string       `json:"rule_name"`
	Matched     bool         `json:"matched"`
	Explanation Trace        `json:"explanation"`
}

func (ComparisonEntry) traceEntry() {}
func (LogicalEntry) traceEntry()    {}
func (FunctionEntry) traceEntry()   {}
func (ErrorEntry) traceEntry()      {}
func (NoteEntry) traceEntry()       {}

func (NoteEntry) explanationBlock() {}
func (RuleBlock) explanationBlock() {}
