// internal/rules/evaluate.go
package rules

import "fmt"

/*
 * Condition evaluation.
 *
 * Recursively interprets a condition tree against a Scope and records an
 * explanation trace. Evaluation is synchronous, allocation-light and free of
 * side effects; it never returns an error and never panics on malformed
 * trees.
 *
 * Evaluation rules:
 *   - Empty node: true, nothing traced (vacuous match)
 *   - AND / OR: EVERY clause is evaluated, no short circuit, so the trace
 *     always explains all clauses; children's entries come first, then one
 *     LogicalEntry with the ordered child results and the final value
 *   - NOT: exactly one clause, else ErrorEntry and false; the child's trace
 *     is propagated and its result negated
 *   - FunctionCall: resolve args, call the registered function, compare the
 *     derived value if an op/value pair is attached
 *   - Comparison: resolve field, Compare, one ComparisonEntry
 *   - Invalid: ErrorEntry with the structural problem, false
 *
 * Depth: recursion depth equals tree depth; trees come from bounded request
 * bodies so no explicit limit is enforced here.
 */

// Evaluate interprets node against scope, returning the match result and its trace.
func Evaluate(node Node, scope Scope, reg *Registry) (bool, Trace) {
	if reg == nil {
		reg = defaultRegistry
	}
	ev := evaluator{scope: scope, reg: reg}
	result := ev.eval(node)
	return result, ev.trace
}

// defaultRegistry backs Evaluate calls made without an explicit registry.
var defaultRegistry = NewRegistry()

type evaluator struct {
	scope Scope
	reg   *Registry
	trace Trace
}

func (e *evaluator) eval(node Node) bool {
	switch node.Kind {
	case KindEmpty:
		return true
	case KindLogical:
		return e.evalLogical(node.Logical)
	case KindFunction:
		return e.evalFunction(node.Function)
	case KindComparison:
		return e.evalComparison(node.Comparison)
	default:
		problem := node.Problem
		if problem == "" {
			problem = msgInvalidStructure
		}
		e.trace = append(e.trace, ErrorEntry{Error: problem})
		return false
	}
}

func (e *evaluator) evalLogical(n *LogicalNode) bool {
	if n.Operator == LogicalNot {
		if len(n.Clauses) != 1 {
			e.trace = append(e.trace, ErrorEntry{Error: msgNotArity})
			return false
		}
		return !e.eval(n.Clauses[0])
	}

	results := make([]bool, len(n.Clauses))
	for i, clause := range n.Clauses {
		results[i] = e.eval(clause)
	}

	var final bool
	if n.Operator == LogicalAnd {
		final = allTrue(results)
	} else {
		final = anyTrue(results)
	}
	e.trace = append(e.trace, LogicalEntry{
		Operator: n.Operator,
		Results:  results,
		Final:    final,
	})
	return final
}

func (e *evaluator) evalFunction(n *FunctionNode) bool {
	fn, ok := e.reg.Lookup(n.Name)
	if !ok {
		e.trace = append(e.trace, ErrorEntry{Error: fmt.Sprintf("Unknown function: %s", n.Name)})
		return false
	}
	if fn.Arity != Variadic && len(n.Args) != fn.Arity {
		e.trace = append(e.trace, ErrorEntry{Error: fn.ArityError()})
		return false
	}

	values := make([]Resolved, len(n.Args))
	for i, path := range n.Args {
		values[i] = Resolve(e.scope, path)
	}

	entry := FunctionEntry{
		Function:  n.Name,
		Args:      n.Args,
		ResultKey: fn.ResultKey,
	}

	derived, err := fn.Fn(Call{Now: e.reg.Now(), Args: n.Args, Values: values})
	if err != nil {
		entry.Error = err.Error()
		e.trace = append(e.trace, entry)
		return false
	}

	entry.Defined = true
	entry.Derived = derived
	if !n.HasComparison {
		// Presence check: a defined result is a match
		e.trace = append(e.trace, entry)
		return true
	}

	entry.HasComparison = true
	entry.Op = n.Op
	entry.Expected = n.Value
	entry.Result = Compare(Defined(derived), n.Op, n.Value)
	e.trace = append(e.trace, entry)
	return entry.Result
}

func (e *evaluator) evalComparison(n *ComparisonNode) bool {
	actual := Resolve(e.scope, n.Field)
	result := compare(actual, n.Op, n.Value, n.pattern)
	e.trace = append(e.trace, ComparisonEntry{
		Field:    n.Field,
		Operator: n.Op,
		Expected: n.Value,
		Actual:   actual.Value,
		Result:   result,
	})
	return result
}

func allTrue(results []bool) bool {
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func anyTrue(results []bool) bool {
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}
