// internal/core/store/store.go
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/solatis/ruleskeeper/internal/rules"
	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Rule storage.
 *
 * RuleStore owns rules and their version history. The evaluation path only
 * needs Snapshot; the rest serves the management API, rule files and the CLI.
 *
 * Versioning:
 *   - Create writes version 1 and its RuleVersion together
 *   - Update bumps the version only when conditions or actions are supplied
 *   - RecordVersion always bumps
 *   - every bump appends exactly one RuleVersion, so history is gapless
 *
 * Mutations of one rule id are serialized by a keyed mutex held around the
 * whole read-modify-write. The SQL store additionally re-reads the row inside
 * its transaction (FOR UPDATE on PostgreSQL) so several processes sharing a
 * database still cannot interleave version bumps.
 *
 * Deleting a rule keeps its history. The id stays retired: Create never
 * reuses an id that has versions, so a version sequence is never restarted.
 */

// RuleStore persists rules and their version history.
type RuleStore interface {
	// Snapshot returns rules ordered by priority descending, then creation
	// time descending. With activeOnly, inactive rules are omitted.
	Snapshot(ctx context.Context, activeOnly bool) ([]*types.Rule, error)

	// RecordVersion replaces a rule's conditions and actions, bumps its
	// version and appends the matching RuleVersion. Returns the new version.
	RecordVersion(ctx context.Context, id types.RuleID, conditions json.RawMessage, actions []types.Action, author string) (int, error)

	Create(ctx context.Context, spec types.RuleSpec) (*types.Rule, error)
	Get(ctx context.Context, id types.RuleID) (*types.Rule, error)
	List(ctx context.Context, filter types.ListFilter) ([]*types.Rule, error)
	Update(ctx context.Context, id types.RuleID, patch types.RulePatch, author string) (*types.Rule, error)
	Delete(ctx context.Context, id types.RuleID) error

	// Versions returns the history of a rule, newest first.
	Versions(ctx context.Context, id types.RuleID) ([]*types.RuleVersion, error)
}

// maxCreateAttempts bounds retries when a suffixed id collides as well.
const maxCreateAttempts = 5

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "rule_store")
	return o
}

// timestamp truncates to microseconds, the precision PostgreSQL keeps.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

// normalizeConditions validates and compacts a conditions document.
// Absent or null conditions become the empty object, which always matches.
func normalizeConditions(raw json.RawMessage) (json.RawMessage, error) {
	if types.IsNullJSON(raw) {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, types.ErrInvalidConditions
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConditions, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func normalizeActions(actions []types.Action) []types.Action {
	out := make([]types.Action, 0, len(actions))
	for _, a := range actions {
		if a.Payload == nil {
			a.Payload = map[string]any{}
		}
		out = append(out, a)
	}
	return out
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func authorOr(author string) string {
	if author == "" {
		return types.DefaultAuthor
	}
	return author
}

// newRule builds version 1 of a rule from a create request.
func newRule(id types.RuleID, spec types.RuleSpec, now time.Time) (*types.Rule, error) {
	conditions, err := normalizeConditions(spec.Conditions)
	if err != nil {
		return nil, err
	}
	priority := types.DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	return &types.Rule{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Priority:    priority,
		Active:      true,
		Version:     1,
		Conditions:  conditions,
		Actions:     normalizeActions(spec.Actions),
		Tags:        normalizeTags(spec.Tags),
		StopOnMatch: spec.StopOnMatch,
		CreatedBy:   authorOr(spec.CreatedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// applyPatch applies the non-nil fields of patch to rule and reports whether
// a new version is required. The version number itself is not touched.
func applyPatch(rule *types.Rule, patch types.RulePatch, now time.Time) (bool, error) {
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	if patch.HasConditions() {
		conditions, err := normalizeConditions(patch.Conditions)
		if err != nil {
			return false, err
		}
		rule.Conditions = conditions
	}
	if patch.Actions != nil {
		rule.Actions = normalizeActions(patch.Actions)
	}
	if patch.Tags != nil {
		rule.Tags = patch.Tags
	}
	if patch.Active != nil {
		rule.Active = *patch.Active
	}
	if patch.StopOnMatch != nil {
		rule.StopOnMatch = *patch.StopOnMatch
	}
	rule.UpdatedAt = now
	return patch.Versioned(), nil
}

func versionOf(rule *types.Rule, author string, now time.Time) *types.RuleVersion {
	return &types.RuleVersion{
		ID:         types.NewVersionID(),
		RuleID:     rule.ID,
		Version:    rule.Version,
		Conditions: rule.Conditions,
		Actions:    rule.Actions,
		CreatedBy:  authorOr(author),
		CreatedAt:  now,
	}
}

// sortRules orders by id first so that SortSnapshot's stable sort breaks
// remaining ties the same way the SQL queries do.
func sortRules(rs []*types.Rule) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	rules.SortSnapshot(rs)
}

// keyedMutex serializes work per rule id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.RuleID]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for id and returns its release function.
func (k *keyedMutex) lock(id types.RuleID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[types.RuleID]*keyLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
