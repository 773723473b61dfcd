// internal/rules/operators.go
package rules

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

/*
 * Operator comparison logic.
 *
 * Implements 12 operators with fail-closed semantics. Compare never panics
 * and never errors: incompatible operand types are treated as "no match".
 *
 * Policy, in order:
 *   1. Absent actual (undefined or null): false for EVERY operator,
 *      including != and not_in. An absent field never satisfies a condition.
 *   2. Dispatch on operator:
 *      - ==, !=: structural equality with numeric normalisation (1 == 1.0)
 *      - >, <, >=, <=: number/number, string/string, bool/bool and
 *        element-wise sequence ordering; other pairings are false
 *      - in: expected must be a sequence containing actual
 *      - not_in: true when expected is not a sequence (asymmetric with in)
 *      - contains: substring for string/string, membership for sequences
 *      - regex: unanchored search, RE2 syntax; bad patterns are false
 *      - starts_with, ends_with: string prefix/suffix only
 *      - unknown operator: false
 *
 * Numeric comparison: handles float64 from JSON and Go integer types
 * produced by derived-value functions.
 */

// Comparison operators accepted in conditions.
const (
	OpEq         = "=="
	OpNeq        = "!="
	OpGt         = ">"
	OpLt         = "<"
	OpGte        = ">="
	OpLte        = "<="
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpContains   = "contains"
	OpRegex      = "regex"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

var knownOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpRegex: true,
	OpStartsWith: true, OpEndsWith: true,
}

// KnownOperator reports whether op is one of the supported operators.
func KnownOperator(op string) bool {
	return knownOperators[op]
}

// Compare applies op to the resolved actual value and the literal expected value.
func Compare(actual Resolved, op string, expected any) bool {
	return compare(actual, op, expected, nil)
}

// compare is Compare with an optional precompiled pattern for regex.
// The pattern is only trusted when expected is the string it was built from.
func compare(actual Resolved, op string, expected any, pattern *regexp.Regexp) bool {
	if actual.Absent() {
		return false
	}
	value := actual.Value

	switch op {
	case OpEq:
		return valuesEqual(value, expected)
	case OpNeq:
		return !valuesEqual(value, expected)
	case OpGt:
		c, ok := compareOrdered(value, expected)
		return ok && c > 0
	case OpLt:
		c, ok := compareOrdered(value, expected)
		return ok && c < 0
	case OpGte:
		c, ok := compareOrdered(value, expected)
		return ok && c >= 0
	case OpLte:
		c, ok := compareOrdered(value, expected)
		return ok && c <= 0
	case OpIn:
		set, ok := expected.([]any)
		if !ok {
			return false
		}
		return containsValue(set, value)
	case OpNotIn:
		set, ok := expected.([]any)
		if !ok {
			return true
		}
		return !containsValue(set, value)
	case OpContains:
		return compareContains(value, expected)
	case OpRegex:
		return compareRegex(value, expected, pattern)
	case OpStartsWith:
		vs, ok1 := value.(string)
		ps, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasPrefix(vs, ps)
	case OpEndsWith:
		vs, ok1 := value.(string)
		ss, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasSuffix(vs, ss)
	default:
		return false
	}
}

// valuesEqual performs structural equality with numeric normalisation.
// Recurses into sequences and objects so nested literals compare by value.
func valuesEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !valuesEqual(x, y) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// compareOrdered performs a three-way comparison (-1/0/1).
// ok=false signals an ordering type error, which callers treat as no match.
func compareOrdered(a, b any) (int, bool) {
	if na, nb, ok := asNumbers(a, b); ok {
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return boolRank(av) - boolRank(bv), true
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return 0, false
		}
		for i := 0; i < len(av) && i < len(bv); i++ {
			if valuesEqual(av[i], bv[i]) {
				continue
			}
			return compareOrdered(av[i], bv[i])
		}
		return len(av) - len(bv), true
	default:
		return 0, false
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// asNumbers attempts to convert both values to float64 for numeric comparison.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	if !oka {
		return 0, 0, false
	}
	nb, okb := toFloat64(b)
	return na, nb, okb
}

// toFloat64 converts value to float64 if it's a numeric type.
// Booleans are deliberately not numbers here.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue checks membership using equality semantics.
func containsValue(set []any, value any) bool {
	for _, elem := range set {
		if valuesEqual(value, elem) {
			return true
		}
	}
	return false
}

// compareContains: substring for two strings, membership when actual is a sequence.
func compareContains(value, expected any) bool {
	switch v := value.(type) {
	case string:
		es, ok := expected.(string)
		return ok && strings.Contains(v, es)
	case []any:
		return containsValue(v, expected)
	default:
		return false
	}
}

// compareRegex searches value for the pattern anywhere (not a full match).
func compareRegex(value, expected any, pattern *regexp.Regexp) bool {
	vs, ok1 := value.(string)
	ps, ok2 := expected.(string)
	if !ok1 || !ok2 {
		return false
	}
	if pattern == nil || pattern.String() != ps {
		var err error
		pattern, err = regexp.Compile(ps)
		if err != nil {
			return false
		}
	}
	return pattern.MatchString(vs)
}
