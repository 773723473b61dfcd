// internal/rules/compile.go
package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Rule compilation.
 *
 * Compiles a stored types.Rule into a CompiledRule: conditions decoded once
 * into the Node tree, literal regex patterns precompiled, and the fields the
 * pipeline needs (priority, stop flag, actions) copied out of the row.
 *
 * Compilation never rejects a rule for a malformed condition shape; that is
 * an evaluation-time structural error. Only invalid JSON fails Compile, and
 * Engine.Prepare degrades that case to an Invalid root so a single broken
 * row cannot block the rest of a snapshot.
 *
 * Regex precompilation: patterns that fail to compile are left nil and
 * fail again (to false) at evaluation time, keeping one code path for the
 * runtime semantics.
 */

// CompiledRule is a rule ready for the matching pipeline.
type CompiledRule struct {
	ID          types.RuleID
	Name        string
	Priority    int
	StopOnMatch bool
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Actions     []types.Action
	Root        Node
}

// Compile decodes and pre-processes a rule for evaluation.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	compiled := newCompiledRule(rule)
	root, err := DecodeCondition(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	precompilePatterns(root)
	compiled.Root = root
	return compiled, nil
}

// CompileLenient is Compile that never fails: undecodable conditions become
// an Invalid root describing the problem.
func CompileLenient(rule *types.Rule) *CompiledRule {
	compiled, err := Compile(rule)
	if err != nil {
		compiled = newCompiledRule(rule)
		compiled.Root = invalid(fmt.Sprintf("Invalid condition JSON: %v", err))
	}
	return compiled
}

func newCompiledRule(rule *types.Rule) *CompiledRule {
	actions := rule.Actions
	if actions == nil {
		actions = []types.Action{}
	}
	return &CompiledRule{
		ID:          rule.ID,
		Name:        rule.Name,
		Priority:    rule.Priority,
		StopOnMatch: rule.StopOnMatch,
		Version:     rule.Version,
		CreatedAt:   rule.CreatedAt,
		UpdatedAt:   rule.UpdatedAt,
		Actions:     actions,
	}
}

// precompilePatterns walks the tree attaching compiled regexes to regex
// comparisons with a literal string pattern.
func precompilePatterns(node Node) {
	switch node.Kind {
	case KindLogical:
		for _, c := range node.Logical.Clauses {
			precompilePatterns(c)
		}
	case KindComparison:
		cmp := node.Comparison
		if cmp.Op != OpRegex {
			return
		}
		if ps, ok := cmp.Value.(string); ok {
			if re, err := regexp.Compile(ps); err == nil {
				cmp.pattern = re
			}
		}
	}
}
