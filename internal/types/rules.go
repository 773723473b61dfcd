// internal/types/rules.go
package types

import (
	"bytes"
	"encoding/json"
	"time"
)

/*
 * Domain types for rule storage and evaluation.
 *
 * Provides Rule, RuleVersion and Action structures shared by internal/rules
 * (compilation, evaluation) and internal/core (storage, API). Conditions stay
 * as raw JSON here: decoding into the condition AST is the rules package's
 * job, and malformed shapes must survive storage untouched so they can be
 * reported at evaluation time.
 *
 * Key types:
 *   - Rule: named, prioritized, versioned condition/action binding
 *   - RuleVersion: immutable (conditions, actions) snapshot at one version
 *   - Action: opaque {type, payload} produced on match, never interpreted
 *   - RuleSpec / RulePatch: create and partial-update inputs
 */

// Action is produced when a rule matches. The engine never interprets it.
type Action struct {
	Type    string         `json:"type" yaml:"type"`
	Payload map[string]any `json:"payload" yaml:"payload"`
}

// Rule is a complete rule definition as held by the rule store.
type Rule struct {
	ID          RuleID          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Active      bool            `json:"active"`
	Version     int             `json:"version"`
	Conditions  json.RawMessage `json:"conditions"`
	Actions     []Action        `json:"actions"`
	Tags        []string        `json:"tags"`
	StopOnMatch bool            `json:"stop_on_match"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RuleVersion is an append-only record of a rule's conditions and actions.
type RuleVersion struct {
	ID         string          `json:"id"`
	RuleID     RuleID          `json:"rule_id"`
	Version    int             `json:"version"`
	Conditions json.RawMessage `json:"conditions"`
	Actions    []Action        `json:"actions"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RuleSpec is the input for creating a rule.
type RuleSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Priority    *int            `json:"priority,omitempty" yaml:"priority"`
	Conditions  json.RawMessage `json:"conditions" yaml:"-"`
	Actions     []Action        `json:"actions" yaml:"actions"`
	Tags        []string        `json:"tags,omitempty" yaml:"tags"`
	StopOnMatch bool            `json:"stop_on_match" yaml:"stop_on_match"`
	CreatedBy   string          `json:"created_by,omitempty" yaml:"created_by"`
}

// RulePatch is a partial update. Nil fields are left unchanged.
// Supplying Conditions or Actions creates a new version.
type RulePatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	Actions     []Action        `json:"actions,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Active      *bool           `json:"active,omitempty"`
	StopOnMatch *bool           `json:"stop_on_match,omitempty"`
}

// HasConditions reports whether the patch supplies conditions. An explicit
// JSON null counts as absent, like an omitted field.
func (p RulePatch) HasConditions() bool {
	return !IsNullJSON(p.Conditions)
}

// Versioned reports whether applying the patch creates a new rule version.
func (p RulePatch) Versioned() bool {
	return p.HasConditions() || p.Actions != nil
}

// IsNullJSON reports whether raw is empty or the JSON literal null.
func IsNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ListFilter narrows rule listings.
type ListFilter struct {
	Active *bool
	Tag    string
}

// Matches applies the filter to a rule in memory.
func (f ListFilter) Matches(r *Rule) bool {
	if f.Active != nil && r.Active != *f.Active {
		return false
	}
	if f.Tag == "" {
		return true
	}
	for _, t := range r.Tags {
		if t == f.Tag {
			return true
		}
	}
	return false
}
