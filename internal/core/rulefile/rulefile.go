// internal/core/rulefile/rulefile.go
package rulefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * YAML rule definitions.
 *
 * A rule file holds a list of rules under a top-level "rules" key:
 *
 *   rules:
 *     - name: Large Withdrawal
 *       priority: 1000
 *       stop_on_match: true
 *       conditions:
 *         type: AND
 *         clauses:
 *           - {field: event.type, op: "==", value: withdrawal}
 *           - {field: event.amount, op: ">", value: 50000}
 *       actions:
 *         - {type: block, payload: {reason: large withdrawal}}
 *
 * Apply reconciles a set of definitions with a RuleStore by rule name:
 *   - no stored rule with that name: Create
 *   - stored rule differs: Update, supplying conditions and actions only
 *     when they differ, so the version bumps only for real changes
 *   - identical: left untouched
 * Stored rules absent from the files are never deleted.
 */

// Extensions lists the file extensions treated as rule files.
var Extensions = []string{".yaml", ".yml"}

// Definition is one rule as written in a file.
type Definition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Priority    *int           `yaml:"priority"`
	Active      *bool          `yaml:"active"`
	StopOnMatch bool           `yaml:"stop_on_match"`
	Tags        []string       `yaml:"tags"`
	Conditions  map[string]any `yaml:"conditions"`
	Actions     []types.Action `yaml:"actions"`

	// Source is the file the definition came from.
	Source string `yaml:"-"`
}

type document struct {
	Rules []Definition `yaml:"rules"`
}

// Parse decodes rule definitions from YAML. source names the input in errors.
func Parse(data []byte, source string) ([]Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	for i := range doc.Rules {
		doc.Rules[i].Source = source
		if strings.TrimSpace(doc.Rules[i].Name) == "" {
			return nil, fmt.Errorf("%s: rule %d: %w", source, i+1, types.ErrEmptyRuleName)
		}
	}
	return doc.Rules, nil
}

// LoadFile reads one rule file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data, path)
}

// LoadDir reads every rule file directly under dir in lexical order.
// Hidden files are skipped.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var all []Definition
	for _, name := range names {
		defs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, defs...)
	}
	return all, nil
}

// Load reads path as a file or, when it is a directory, with LoadDir.
func Load(path string) ([]Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rule path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

func isRuleFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range Extensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Spec converts the definition into a create request.
func (d Definition) Spec(author string) (types.RuleSpec, error) {
	conditions, err := d.conditionsJSON()
	if err != nil {
		return types.RuleSpec{}, err
	}
	return types.RuleSpec{
		Name:        d.Name,
		Description: d.Description,
		Priority:    d.Priority,
		Conditions:  conditions,
		Actions:     d.Actions,
		Tags:        d.Tags,
		StopOnMatch: d.StopOnMatch,
		CreatedBy:   author,
	}, nil
}

func (d Definition) conditionsJSON() (json.RawMessage, error) {
	if d.Conditions == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(d.Conditions)
	if err != nil {
		return nil, fmt.Errorf("%s: rule %q: %w: %v", d.Source, d.Name, types.ErrInvalidConditions, err)
	}
	return data, nil
}

// Report lists what Apply did, by rule id.
type Report struct {
	Created   []types.RuleID
	Updated   []types.RuleID
	Versioned []types.RuleID
	Unchanged []types.RuleID
}

// Apply reconciles defs with s. author is recorded on created rules and new
// versions. Definitions sharing a name are rejected before anything is
// written.
func Apply(ctx context.Context, s store.RuleStore, defs []Definition, author string) (Report, error) {
	var report Report

	seen := make(map[string]string, len(defs))
	for _, d := range defs {
		if prev, ok := seen[d.Name]; ok {
			return report, fmt.Errorf("%w: rule %q defined in both %s and %s", types.ErrInvalidRule, d.Name, prev, d.Source)
		}
		seen[d.Name] = d.Source
	}

	existing, err := s.List(ctx, types.ListFilter{})
	if err != nil {
		return report, err
	}
	byName := make(map[string]*types.Rule, len(existing))
	for _, r := range existing {
		if _, ok := byName[r.Name]; !ok {
			byName[r.Name] = r
		}
	}

	var errs []error
	for _, d := range defs {
		current, ok := byName[d.Name]
		if !ok {
			spec, err := d.Spec(author)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rule, err := s.Create(ctx, spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("create %q: %w", d.Name, err))
				continue
			}
			report.Created = append(report.Created, rule.ID)
			continue
		}

		patch, changed, err := d.patch(current)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			report.Unchanged = append(report.Unchanged, current.ID)
			continue
		}
		if _, err := s.Update(ctx, current.ID, patch, author); err != nil {
			errs = append(errs, fmt.Errorf("update %q: %w", d.Name, err))
			continue
		}
		report.Updated = append(report.Updated, current.ID)
		if patch.Versioned() {
			report.Versioned = append(report.Versioned, current.ID)
		}
	}
	return report, errors.Join(errs...)
}

// patch builds the update that brings current in line with d.
func (d Definition) patch(current *types.Rule) (types.RulePatch, bool, error) {
	var patch types.RulePatch
	changed := false

	conditions, err := d.conditionsJSON()
	if err != nil {
		return patch, false, err
	}
	if !jsonEqual(conditions, current.Conditions) {
		patch.Conditions = conditions
		changed = true
	}

	actions := d.Actions
	if actions == nil {
		actions = []types.Action{}
	}
	if !actionsEqual(actions, current.Actions) {
		patch.Actions = actions
		changed = true
	}

	if d.Description != current.Description {
		patch.Description = &d.Description
		changed = true
	}
	priority := types.DefaultPriority
	if d.Priority != nil {
		priority = *d.Priority
	}
	if priority != current.Priority {
		patch.Priority = &priority
		changed = true
	}
	if d.Active != nil && *d.Active != current.Active {
		patch.Active = d.Active
		changed = true
	}
	if d.StopOnMatch != current.StopOnMatch {
		stop := d.StopOnMatch
		patch.StopOnMatch = &stop
		changed = true
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	if !reflect.DeepEqual(tags, current.Tags) {
		patch.Tags = tags
		changed = true
	}
	return patch, changed, nil
}

// jsonEqual compares two JSON documents by value.
func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// actionsEqual compares actions through their JSON form, so that a YAML
// integer and a stored float of the same value are equal.
func actionsEqual(a, b []types.Action) bool {
	da, errA := json.Marshal(normalizeActions(a))
	db, errB := json.Marshal(normalizeActions(b))
	if errA != nil || errB != nil {
		return false
	}
	return jsonEqual(da, db)
}

func normalizeActions(actions []types.Action) []types.Action {
	out := make([]types.Action, len(actions))
	for i, a := range actions {
		if a.Payload == nil {
			a.Payload = map[string]any{}
		}
		out[i] = a
	}
	return out
}
