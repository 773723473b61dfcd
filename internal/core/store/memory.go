// internal/core/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/solatis/ruleskeeper/internal/types"
)

// MemoryRuleStore keeps rules in process memory. Rules handed out are copies,
// so callers may hold a snapshot while the store changes underneath.
type MemoryRuleStore struct {
	opts options

	mu       sync.RWMutex
	rules    map[types.RuleID]*types.Rule
	versions map[types.RuleID][]*types.RuleVersion
}

var _ RuleStore = (*MemoryRuleStore)(nil)

// NewMemoryRuleStore creates an empty store.
func NewMemoryRuleStore(opts ...Option) *MemoryRuleStore {
	return &MemoryRuleStore{
		opts:     newOptions(opts),
		rules:    make(map[types.RuleID]*types.Rule),
		versions: make(map[types.RuleID][]*types.RuleVersion),
	}
}

// cloneRule copies r deeply, action payloads included.
func cloneRule(r *types.Rule) *types.Rule {
	c := *r
	c.Conditions = append(json.RawMessage(nil), r.Conditions...)
	c.Actions = cloneActions(r.Actions)
	c.Tags = append([]string{}, r.Tags...)
	return &c
}

func cloneActions(actions []types.Action) []types.Action {
	out := make([]types.Action, len(actions))
	for i, a := range actions {
		out[i] = types.Action{Type: a.Type}
		if a.Payload != nil {
			out[i].Payload = cloneValue(a.Payload).(map[string]any)
		}
	}
	return out
}

// cloneValue copies the maps and slices of a decoded JSON value.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, item := range v {
			m[k] = cloneValue(item)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, item := range v {
			l[i] = cloneValue(item)
		}
		return l
	default:
		return v
	}
}

func (s *MemoryRuleStore) Snapshot(_ context.Context, activeOnly bool) ([]*types.Rule, error) {
	var filter types.ListFilter
	if activeOnly {
		active := true
		filter.Active = &active
	}
	return s.list(filter), nil
}

func (s *MemoryRuleStore) List(_ context.Context, filter types.ListFilter) ([]*types.Rule, error) {
	return s.list(filter), nil
}

func (s *MemoryRuleStore) list(filter types.ListFilter) []*types.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if filter.Matches(r) {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out
}

func (s *MemoryRuleStore) Get(_ context.Context, id types.RuleID) (*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, types.ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (s *MemoryRuleStore) Create(_ context.Context, spec types.RuleSpec) (*types.Rule, error) {
	id := types.MakeRuleID(spec.Name)
	if id == "" {
		return nil, types.ErrEmptyRuleName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; s.taken(id); attempt++ {
		if attempt == maxCreateAttempts {
			return nil, types.ErrDuplicateRule
		}
		id = types.WithCollisionSuffix(types.MakeRuleID(spec.Name))
	}

	now := s.opts.timestamp()
	rule, err := newRule(id, spec, now)
	if err != nil {
		return nil, err
	}
	// Payload maps of the RuleSpec stay with the caller
	rule = cloneRule(rule)
	s.rules[id] = rule
	s.versions[id] = []*types.RuleVersion{versionOf(rule, rule.CreatedBy, now)}
	return cloneRule(rule), nil
}

// taken reports whether id belongs to a live rule or to retained history.
func (s *MemoryRuleStore) taken(id types.RuleID) bool {
	if _, ok := s.rules[id]; ok {
		return true
	}
	return len(s.versions[id]) > 0
}

func (s *MemoryRuleStore) Update(_ context.Context, id types.RuleID, patch types.RulePatch, author string) (*types.Rule, error) {
	return s.mutate(id, author, func(rule *types.Rule) (bool, error) {
		return applyPatch(rule, patch, s.opts.timestamp())
	})
}

func (s *MemoryRuleStore) RecordVersion(_ context.Context, id types.RuleID, conditions json.RawMessage, actions []types.Action, author string) (int, error) {
	rule, err := s.mutate(id, author, func(rule *types.Rule) (bool, error) {
		normalized, err := normalizeConditions(conditions)
		if err != nil {
			return false, err
		}
		rule.Conditions = normalized
		rule.Actions = normalizeActions(actions)
		rule.UpdatedAt = s.opts.timestamp()
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return rule.Version, nil
}

// mutate edits a copy and swaps it in only when change succeeds.
func (s *MemoryRuleStore) mutate(id types.RuleID, author string, change func(*types.Rule) (bool, error)) (*types.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[id]
	if !ok {
		return nil, types.ErrRuleNotFound
	}
	rule := cloneRule(current)
	versioned, err := change(rule)
	if err != nil {
		return nil, err
	}
	rule = cloneRule(rule)
	if versioned {
		rule.Version++
		s.versions[id] = append(s.versions[id], versionOf(rule, author, rule.UpdatedAt))
	}
	s.rules[id] = rule
	return cloneRule(rule), nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, id types.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return types.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) Versions(_ context.Context, id types.RuleID) ([]*types.RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[id]
	if len(history) == 0 {
		return nil, types.ErrRuleNotFound
	}
	out := make([]*types.RuleVersion, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		v := *history[i]
		v.Conditions = append(json.RawMessage(nil), v.Conditions...)
		v.Actions = cloneActions(v.Actions)
		out = append(out, &v)
	}
	return out, nil
}
