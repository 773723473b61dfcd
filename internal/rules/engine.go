package rules

import (
	"log/slog"
	"sync"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

// Engine compiles rule snapshots and runs the matching pipeline.
// Compiled rules are cached by (id, version, updated_at) so an unchanged
// rule is decoded once no matter how many events it sees.
type Engine struct {
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]*CompiledRule
}

type cacheKey struct {
	id        types.RuleID
	version   int
	updatedAt int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used to report undecodable rules.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine evaluating with the given registry.
// A nil registry gets the built-in functions only.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		cache:    make(map[cacheKey]*CompiledRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "rules_engine")
	return e
}

// Registry returns the function registry used for evaluation.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Prepare compiles a snapshot, preserving its order. The cache is rebuilt
// from the snapshot so deleted and superseded rules fall out of it.
func (e *Engine) Prepare(snapshot []*types.Rule) []*CompiledRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[cacheKey]*CompiledRule, len(snapshot))
	compiled := make([]*CompiledRule, 0, len(snapshot))
	for _, rule := range snapshot {
		key := cacheKey{id: rule.ID, version: rule.Version, updatedAt: rule.UpdatedAt.UnixNano()}
		cr, ok := e.cache[key]
		if !ok {
			var err error
			cr, err = Compile(rule)
			if err != nil {
				e.logger.Warn("rule conditions undecodable, rule will never match",
					"rule_id", rule.ID, "version", rule.Version, "error", err)
				cr = CompileLenient(rule)
			}
		}
		next[key] = cr
		compiled = append(compiled, cr)
	}
	e.cache = next
	return compiled
}

// CompileOne compiles a single rule outside the snapshot cache.
func (e *Engine) CompileOne(rule *types.Rule) *CompiledRule {
	return CompileLenient(rule)
}

// Match prepares the snapshot and runs the pipeline.
func (e *Engine) Match(snapshot []*types.Rule, scope Scope) MatchResult {
	return Match(e.Prepare(snapshot), scope, e.registry)
}

// Simulate evaluates a single rule against scope.
func (e *Engine) Simulate(rule *types.Rule, scope Scope) SimulationResult {
	return Simulate(e.CompileOne(rule), scope, e.registry)
}

// Now exposes the registry clock for callers timestamping results.
func (e *Engine) Now() time.Time {
	return e.registry.Now()
}
