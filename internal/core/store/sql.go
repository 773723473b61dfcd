// internal/core/store/sql.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/ruleskeeper/internal/core/db"
	"github.com/solatis/ruleskeeper/internal/types"
)

// SQLRuleStore keeps rules in SQLite or PostgreSQL through named queries.
type SQLRuleStore struct {
	q     *db.Queries
	opts  options
	locks keyedMutex
}

var _ RuleStore = (*SQLRuleStore)(nil)

// NewSQLRuleStore creates a store over migrated tables.
func NewSQLRuleStore(q *db.Queries, opts ...Option) *SQLRuleStore {
	return &SQLRuleStore{q: q, opts: newOptions(opts)}
}

// ruleRow mirrors the rules table. JSON columns travel as text so the same
// row type scans SQLite TEXT and PostgreSQL JSONB.
type ruleRow struct {
	ID          string       `db:"id"`
	Name        string       `db:"name"`
	Description string       `db:"description"`
	Priority    int          `db:"priority"`
	Active      bool         `db:"active"`
	Version     int          `db:"version"`
	Conditions  string       `db:"conditions"`
	Actions     string       `db:"actions"`
	Tags        string       `db:"tags"`
	StopOnMatch bool         `db:"stop_on_match"`
	CreatedBy   string       `db:"created_by"`
	CreatedAt   db.Timestamp `db:"created_at"`
	UpdatedAt   db.Timestamp `db:"updated_at"`
}

func (r ruleRow) toRule() (*types.Rule, error) {
	rule := &types.Rule{
		ID:          types.RuleID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		Active:      r.Active,
		Version:     r.Version,
		Conditions:  json.RawMessage(r.Conditions),
		StopOnMatch: r.StopOnMatch,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode actions: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Tags), &rule.Tags); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode tags: %w", r.ID, err)
	}
	rule.Actions = normalizeActions(rule.Actions)
	rule.Tags = normalizeTags(rule.Tags)
	return rule, nil
}

type versionRow struct {
	ID         string       `db:"id"`
	RuleID     string       `db:"rule_id"`
	Version    int          `db:"version"`
	Conditions string       `db:"conditions"`
	Actions    string       `db:"actions"`
	CreatedBy  string       `db:"created_by"`
	CreatedAt  db.Timestamp `db:"created_at"`
}

func (r versionRow) toVersion() (*types.RuleVersion, error) {
	v := &types.RuleVersion{
		ID:         r.ID,
		RuleID:     types.RuleID(r.RuleID),
		Version:    r.Version,
		Conditions: json.RawMessage(r.Conditions),
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Actions), &v.Actions); err != nil {
		return nil, fmt.Errorf("rule %s version %d: failed to decode actions: %w", r.RuleID, r.Version, err)
	}
	v.Actions = normalizeActions(v.Actions)
	return v, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toRules(rows []ruleRow) ([]*types.Rule, error) {
	out := make([]*types.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// Snapshot returns rules in evaluation order.
func (s *SQLRuleStore) Snapshot(ctx context.Context, activeOnly bool) ([]*types.Rule, error) {
	var rows []ruleRow
	var err error
	if activeOnly {
		err = s.q.SelectContext(ctx, "list-rules-by-active", &rows, true)
	} else {
		err = s.q.SelectContext(ctx, "list-rules", &rows)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return toRules(rows)
}

// List returns rules matching filter in snapshot order.
func (s *SQLRuleStore) List(ctx context.Context, filter types.ListFilter) ([]*types.Rule, error) {
	var rows []ruleRow
	var err error
	if filter.Active != nil {
		err = s.q.SelectContext(ctx, "list-rules-by-active", &rows, *filter.Active)
	} else {
		err = s.q.SelectContext(ctx, "list-rules", &rows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	all, err := toRules(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Rule, 0, len(all))
	for _, rule := range all {
		if filter.Matches(rule) {
			out = append(out, rule)
		}
	}
	return out, nil
}

// Get returns one rule.
func (s *SQLRuleStore) Get(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.GetContext(ctx, "get-rule", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return row.toRule()
}

// Create inserts a rule and its first version. The id is derived from the
// name and suffixed when already taken.
func (s *SQLRuleStore) Create(ctx context.Context, spec types.RuleSpec) (*types.Rule, error) {
	base := types.MakeRuleID(spec.Name)
	if base == "" {
		return nil, types.ErrEmptyRuleName
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		rule, err := s.tryCreate(ctx, base, spec, attempt > 0)
		if err == nil {
			return rule, nil
		}
		if !errors.Is(err, types.ErrDuplicateRule) {
			return nil, err
		}
		s.opts.logger.Debug("rule id collided, retrying", "base_id", base, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: no free id for %q", types.ErrDuplicateRule, base)
}

func (s *SQLRuleStore) tryCreate(ctx context.Context, base types.RuleID, spec types.RuleSpec, suffix bool) (*types.Rule, error) {
	now := s.opts.timestamp()
	var created *types.Rule

	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		id := base
		if suffix {
			id = types.WithCollisionSuffix(base)
		} else {
			var taken int
			if err := tx.Get(ctx, "count-rule-id", &taken, string(id), string(id)); err != nil {
				return fmt.Errorf("failed to check rule id: %w", err)
			}
			if taken > 0 {
				id = types.WithCollisionSuffix(base)
			}
		}

		rule, err := newRule(id, spec, now)
		if err != nil {
			return err
		}
		if err := insertRule(ctx, tx, rule); err != nil {
			return err
		}
		if err := insertVersion(ctx, tx, versionOf(rule, rule.CreatedBy, now)); err != nil {
			return err
		}
		created = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies patch and records a new version when conditions or
// actions change.
func (s *SQLRuleStore) Update(ctx context.Context, id types.RuleID, patch types.RulePatch, author string) (*types.Rule, error) {
	return s.mutate(ctx, id, author, func(rule *types.Rule, now time.Time) (bool, error) {
		return applyPatch(rule, patch, now)
	})
}

// RecordVersion replaces conditions and actions and appends a version.
func (s *SQLRuleStore) RecordVersion(ctx context.Context, id types.RuleID, conditions json.RawMessage, actions []types.Action, author string) (int, error) {
	rule, err := s.mutate(ctx, id, author, func(rule *types.Rule, now time.Time) (bool, error) {
		normalized, err := normalizeConditions(conditions)
		if err != nil {
			return false, err
		}
		rule.Conditions = normalized
		rule.Actions = normalizeActions(actions)
		rule.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return rule.Version, nil
}

// mutate runs a read-modify-write of one rule under its lock and inside a
// single transaction. change reports whether a version must be appended.
func (s *SQLRuleStore) mutate(ctx context.Context, id types.RuleID, author string, change func(*types.Rule, time.Time) (bool, error)) (*types.Rule, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	now := s.opts.timestamp()
	var updated *types.Rule

	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		query := "get-rule-for-update"
		if s.q.IsSQLite() {
			// SQLite has no FOR UPDATE; the write transaction already excludes other writers
			query = "get-rule"
		}
		var row ruleRow
		if err := tx.Get(ctx, query, &row, string(id)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return types.ErrRuleNotFound
			}
			return fmt.Errorf("failed to read rule: %w", err)
		}
		rule, err := row.toRule()
		if err != nil {
			return err
		}

		versioned, err := change(rule, now)
		if err != nil {
			return err
		}
		if versioned {
			rule.Version++
			if err := insertVersion(ctx, tx, versionOf(rule, author, now)); err != nil {
				return err
			}
		}
		if err := updateRule(ctx, tx, rule); err != nil {
			return err
		}
		updated = rule
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.opts.logger.Debug("rule updated", "rule_id", id, "version", updated.Version)
	return updated, nil
}

// Delete removes a rule. Its versions are kept.
func (s *SQLRuleStore) Delete(ctx context.Context, id types.RuleID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	res, err := s.q.ExecContext(ctx, "delete-rule", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n == 0 {
		return types.ErrRuleNotFound
	}
	return nil
}

// Versions returns the history of a rule, newest first. History of a deleted
// rule stays readable.
func (s *SQLRuleStore) Versions(ctx context.Context, id types.RuleID) ([]*types.RuleVersion, error) {
	var rows []versionRow
	if err := s.q.SelectContext(ctx, "list-rule-versions", &rows, string(id)); err != nil {
		return nil, fmt.Errorf("failed to list rule versions: %w", err)
	}
	if len(rows) == 0 {
		return nil, types.ErrRuleNotFound
	}
	out := make([]*types.RuleVersion, 0, len(rows))
	for _, row := range rows {
		v, err := row.toVersion()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func insertRule(ctx context.Context, tx *db.Tx, rule *types.Rule) error {
	actions, err := encodeJSON(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	tags, err := encodeJSON(rule.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	_, err = tx.Exec(ctx, "insert-rule",
		string(rule.ID), rule.Name, rule.Description, rule.Priority, rule.Active,
		rule.Version, string(rule.Conditions), actions, tags, rule.StopOnMatch,
		rule.CreatedBy, db.NewTimestamp(rule.CreatedAt), db.NewTimestamp(rule.UpdatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return types.ErrDuplicateRule
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func updateRule(ctx context.Context, tx *db.Tx, rule *types.Rule) error {
	actions, err := encodeJSON(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	tags, err := encodeJSON(rule.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	_, err = tx.Exec(ctx, "update-rule",
		rule.Name, rule.Description, rule.Priority, rule.Active, rule.Version,
		string(rule.Conditions), actions, tags, rule.StopOnMatch,
		db.NewTimestamp(rule.UpdatedAt), string(rule.ID))
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx *db.Tx, v *types.RuleVersion) error {
	actions, err := encodeJSON(v.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	_, err = tx.Exec(ctx, "insert-rule-version",
		v.ID, string(v.RuleID), v.Version, string(v.Conditions), actions,
		v.CreatedBy, db.NewTimestamp(v.CreatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: version %d of %s already recorded", types.ErrDuplicateRule, v.Version, v.RuleID)
		}
		return fmt.Errorf("failed to insert rule version: %w", err)
	}
	return nil
}
