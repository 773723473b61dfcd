// internal/rules/condition.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

/*
 * Condition tree model.
 *
 * Conditions arrive as untyped JSON and are classified into a closed set of
 * node kinds. Classification never fails on shape: a node with missing keys
 * or wrong types becomes KindInvalid carrying its structural-error message,
 * and evaluates to false with that message in the trace. Only malformed JSON
 * syntax is rejected, at decode time.
 *
 * Wire shapes:
 *   Logical:      {"type": "AND"|"OR"|"NOT", "clauses": [Condition, ...]}
 *   FunctionCall: {"fn": string, "args": [string, ...], "op"?: string, "value"?: any}
 *   Comparison:   {"field": string, "op": string, "value": any}
 *
 * Classification order: empty -> logical -> function call -> comparison ->
 * invalid. An object with "type": "XOR" and no fn/field keys is invalid.
 */

// NodeKind tags the variant held by a Node.
type NodeKind int

const (
	KindEmpty NodeKind = iota
	KindLogical
	KindFunction
	KindComparison
	KindInvalid
)

// String returns the kind name used in logs.
func (k NodeKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindLogical:
		return "logical"
	case KindFunction:
		return "function"
	case KindComparison:
		return "comparison"
	default:
		return "invalid"
	}
}

// Logical operators.
const (
	LogicalAnd = "AND"
	LogicalOr  = "OR"
	LogicalNot = "NOT"
)

// Structural error messages recorded in traces.
const (
	msgInvalidStructure = "Invalid condition structure"
	msgNotArity         = "NOT operator requires exactly one clause"
	msgClausesNotList   = "clauses must be a list"
	msgArgsNotStrings   = "args must be a list of field paths"
	msgFnNotString      = "fn must be a string"
	msgFieldNotString   = "field and op must be strings"
)

// Node is one condition in the tree. Exactly one of the variant pointers is
// set, matching Kind; KindEmpty and KindInvalid set none.
type Node struct {
	Kind       NodeKind
	Logical    *LogicalNode
	Function   *FunctionNode
	Comparison *ComparisonNode
	Problem    string // structural error for KindInvalid
}

// LogicalNode combines child conditions.
type LogicalNode struct {
	Operator string
	Clauses  []Node
}

// FunctionNode calls a registered function, optionally comparing its result.
type FunctionNode struct {
	Name          string
	Args          []string
	HasComparison bool
	Op            string
	Value         any
}

// ComparisonNode compares a resolved field with a literal.
type ComparisonNode struct {
	Field string
	Op    string
	Value any

	// pattern is set by Compile for regex comparisons with a literal
	// string pattern. Nil means compile at evaluation time.
	pattern *regexp.Regexp
}

// DecodeCondition parses raw JSON into a Node. An empty input or JSON null
// is the empty condition.
func DecodeCondition(raw json.RawMessage) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Node{Kind: KindEmpty}, nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Node{}, fmt.Errorf("decode condition: %w", err)
	}
	return DecodeNode(v), nil
}

// DecodeNode classifies an already-decoded JSON value.
func DecodeNode(v any) Node {
	if v == nil {
		return Node{Kind: KindEmpty}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return invalid(msgInvalidStructure)
	}
	if len(m) == 0 {
		return Node{Kind: KindEmpty}
	}

	if typ, ok := m["type"].(string); ok && isLogical(typ) {
		return decodeLogical(typ, m)
	}
	if fn, ok := m["fn"]; ok {
		return decodeFunction(fn, m)
	}
	_, hasField := m["field"]
	_, hasOp := m["op"]
	if hasField && hasOp {
		return decodeComparison(m)
	}
	return invalid(msgInvalidStructure)
}

func isLogical(typ string) bool {
	return typ == LogicalAnd || typ == LogicalOr || typ == LogicalNot
}

func invalid(problem string) Node {
	return Node{Kind: KindInvalid, Problem: problem}
}

func decodeLogical(typ string, m map[string]any) Node {
	var raw []any
	if c, present := m["clauses"]; present && c != nil {
		list, ok := c.([]any)
		if !ok {
			return invalid(msgClausesNotList)
		}
		raw = list
	}
	clauses := make([]Node, len(raw))
	for i, c := range raw {
		clauses[i] = DecodeNode(c)
	}
	return Node{
		Kind:    KindLogical,
		Logical: &LogicalNode{Operator: typ, Clauses: clauses},
	}
}

func decodeFunction(fn any, m map[string]any) Node {
	name, ok := fn.(string)
	if !ok {
		return invalid(msgFnNotString)
	}
	var args []string
	if a, present := m["args"]; present && a != nil {
		list, ok := a.([]any)
		if !ok {
			return invalid(msgArgsNotStrings)
		}
		args = make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return invalid(msgArgsNotStrings)
			}
			args[i] = s
		}
	}
	node := &FunctionNode{Name: name, Args: args}
	op, hasOp := m["op"]
	value, hasValue := m["value"]
	if hasOp && hasValue {
		// A non-string op is kept as an unknown operator and compares false.
		opStr, _ := op.(string)
		node.HasComparison = true
		node.Op = opStr
		node.Value = value
	}
	return Node{Kind: KindFunction, Function: node}
}

func decodeComparison(m map[string]any) Node {
	field, ok1 := m["field"].(string)
	op, ok2 := m["op"].(string)
	if !ok1 || !ok2 {
		return invalid(msgFieldNotString)
	}
	return Node{
		Kind: KindComparison,
		Comparison: &ComparisonNode{
			Field: field,
			Op:    op,
			Value: m["value"],
		},
	}
}

// Validate walks the tree and reports authoring problems: invalid shapes,
// unknown operators and functions, NOT arity. The result is advisory; such
// conditions are still stored and evaluate to false where they are broken.
func Validate(node Node, reg *Registry) []string {
	var problems []string
	validateNode(node, reg, "$", &problems)
	return problems
}

func validateNode(node Node, reg *Registry, at string, problems *[]string) {
	switch node.Kind {
	case KindInvalid:
		*problems = append(*problems, fmt.Sprintf("%s: %s", at, node.Problem))
	case KindLogical:
		if node.Logical.Operator == LogicalNot && len(node.Logical.Clauses) != 1 {
			*problems = append(*problems, fmt.Sprintf("%s: %s", at, msgNotArity))
		}
		for i, c := range node.Logical.Clauses {
			validateNode(c, reg, fmt.Sprintf("%s.clauses[%d]", at, i), problems)
		}
	case KindFunction:
		f := node.Function
		fn, ok := reg.Lookup(f.Name)
		if !ok {
			*problems = append(*problems, fmt.Sprintf("%s: unknown function %q", at, f.Name))
			return
		}
		if fn.Arity != Variadic && len(f.Args) != fn.Arity {
			*problems = append(*problems, fmt.Sprintf("%s: %s", at, fn.ArityError()))
		}
		if f.HasComparison && !KnownOperator(f.Op) {
			*problems = append(*problems, fmt.Sprintf("%s: unknown operator %q", at, f.Op))
		}
	case KindComparison:
		if !KnownOperator(node.Comparison.Op) {
			*problems = append(*problems, fmt.Sprintf("%s: unknown operator %q", at, node.Comparison.Op))
		}
	}
}
