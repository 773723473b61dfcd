// internal/rules/fieldpath.go
package rules

import (
	"strings"

	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Field path resolution over the {event, context} scope.
 *
 * Resolves dotted paths ("event.user.tier", "context.orders.0.total") through
 * nested objects and arrays. A path always starts with a namespace segment;
 * any other first segment misses like an absent key would.
 *
 * Key functions:
 *   - Resolve: walks the scope following dot-separated segments
 *   - resolveSegments: internal traversal over decoded JSON values
 *
 * Miss semantics: an absent key, an out-of-range or non-numeric index, or a
 * scalar with path remaining all yield Resolved{Found: false}. No error is
 * ever raised; the miss is the undefined sentinel consumed by Compare.
 *
 * Index segments: ASCII digits only, so "-1" and "+1" are misses. Keys win
 * over indices because only sequences are indexed.
 */

// Scope is the evaluation input: the triggering event plus auxiliary context.
type Scope struct {
	Event   types.Document
	Context types.Document
}

// NewScope builds a Scope, replacing nil documents with empty ones.
func NewScope(event, context types.Document) Scope {
	if event == nil {
		event = types.Document{}
	}
	if context == nil {
		context = types.Document{}
	}
	return Scope{Event: event, Context: context}
}

// Root returns the merged two-namespace view paths are resolved against.
func (s Scope) Root() map[string]any {
	return map[string]any{
		"event":   map[string]any(s.Event),
		"context": map[string]any(s.Context),
	}
}

// Resolved is the outcome of a path lookup. Found=false is the undefined
// sentinel; it is distinct from a present JSON null (Found=true, Value=nil).
type Resolved struct {
	Value any
	Found bool
}

// Undefined is the sentinel returned for any resolution miss.
var Undefined = Resolved{}

// Defined wraps a concrete value.
func Defined(v any) Resolved {
	return Resolved{Value: v, Found: true}
}

// Absent reports whether the value can never satisfy a comparison:
// either unresolved or an explicit null.
func (r Resolved) Absent() bool {
	return !r.Found || r.Value == nil
}

// Resolve looks up a dotted path in scope. Returns Undefined on any miss.
func Resolve(scope Scope, path string) Resolved {
	if path == "" {
		return Undefined
	}
	return resolveSegments(strings.Split(path, "."), scope.Root())
}

// resolveSegments walks decoded JSON one segment at a time.
func resolveSegments(segments []string, current any) Resolved {
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return Undefined
			}
			current = next
		case types.Document:
			next, ok := v[seg]
			if !ok {
				return Undefined
			}
			current = next
		case []any:
			idx, ok := parseIndex(seg)
			if !ok || idx >= len(v) {
				return Undefined
			}
			current = v[idx]
		default:
			// Scalar or null with path remaining
			return Undefined
		}
	}
	return Defined(current)
}

// parseIndex accepts a non-empty run of ASCII digits. Values that overflow
// int are rejected rather than wrapped.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n < 0 || n > 1<<31 {
			return 0, false
		}
	}
	return n, true
}
