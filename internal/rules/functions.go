// internal/rules/functions.go
package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

/*
 * Function registry for derived values inside conditions.
 *
 * A FunctionCall node names a registered function, passes field paths as
 * arguments, and optionally compares the derived value with an operator.
 * The registry resolves the argument paths, checks arity, and hands the
 * function the resolved values plus the evaluation clock.
 *
 * Result contract: a function returns (value, nil) for a defined result or
 * (nil, err) for an undefined one. The error is a reason recorded in the
 * trace, never propagated. Arity mismatches and unknown names are structural
 * errors handled by the evaluator.
 *
 * Built-ins:
 *   - days_since(path): whole days between now (UTC) and an ISO-8601
 *     timestamp, floored, negative for future instants
 */

// ErrInvalidDate is returned by days_since for absent or unparsable input.
var ErrInvalidDate = errors.New("invalid date")

// Variadic marks a function that accepts any number of arguments.
const Variadic = -1

// Call carries the inputs of one function invocation.
type Call struct {
	Now    time.Time
	Args   []string   // field paths as written in the condition
	Values []Resolved // resolved values, same order as Args
}

// Function is a registered derived-value function.
type Function struct {
	Name      string
	Arity     int    // exact argument count, or Variadic
	ResultKey string // trace key holding the derived value ("days" for days_since)
	Fn        func(Call) (any, error)
}

// ArityError returns the structural error text for a wrong argument count.
func (f Function) ArityError() string {
	if f.Arity == 1 {
		return fmt.Sprintf("%s requires one argument", f.Name)
	}
	return fmt.Sprintf("%s requires %d arguments", f.Name, f.Arity)
}

// Registry maps function names to implementations. Safe for concurrent use;
// evaluation only takes the read lock.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for Call.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry with the built-in functions installed.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		funcs: make(map[string]Function),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(Function{
		Name:      "days_since",
		Arity:     1,
		ResultKey: "days",
		Fn:        daysSince,
	})
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(fn Function) {
	if fn.ResultKey == "" {
		fn.ResultKey = "derived"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[fn.Name] = fn
}

// Lookup returns the named function.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// Now returns the current instant in UTC from the configured clock.
func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

// daysSince implements the days_since built-in.
func daysSince(c Call) (any, error) {
	v := c.Values[0]
	s, ok := v.Value.(string)
	if !v.Found || !ok || s == "" {
		return nil, ErrInvalidDate
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil, ErrInvalidDate
	}
	return floorDays(c.Now, t), nil
}

// timestampLayouts covers the ISO-8601 forms seen in event payloads.
// Fractional seconds are optional in every layout with .999999999.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without an offset are
// taken as UTC; values with one are converted to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// floorDays returns the whole days from then to now rounding toward
// negative infinity, so 1 hour in the future is -1 days. It works on Unix
// seconds because time.Duration saturates beyond about 292 years.
func floorDays(now, then time.Time) int {
	const day = 24 * 60 * 60
	secs := now.Unix() - then.Unix()
	if now.Nanosecond() < then.Nanosecond() {
		secs--
	}
	days := secs / day
	if secs%day < 0 {
		days--
	}
	return int(days)
}
