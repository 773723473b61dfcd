// internal/core/audit/sql.go
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solatis/ruleskeeper/internal/core/db"
	"github.com/solatis/ruleskeeper/internal/types"
)

// SQLSink stores audit records in the audit_logs table. Matched rule ids
// are also written to audit_matches so queries can filter by rule.
type SQLSink struct {
	q   *db.Queries
	now func() time.Time
}

var (
	_ Sink    = (*SQLSink)(nil)
	_ Querier = (*SQLSink)(nil)
	_ Pruner  = (*SQLSink)(nil)
)

// NewSQLSink creates a sink over migrated tables.
func NewSQLSink(q *db.Queries) *SQLSink {
	return &SQLSink{q: q, now: time.Now}
}

type auditRow struct {
	ID           string         `db:"id"`
	EventID      string         `db:"event_id"`
	EventType    sql.NullString `db:"event_type"`
	EventData    string         `db:"event_data"`
	ContextData  string         `db:"context_data"`
	MatchedRules string         `db:"matched_rules"`
	Actions      string         `db:"actions"`
	Explanation  string         `db:"explanation"`
	ElapsedMs    int64          `db:"elapsed_ms"`
	CreatedAt    db.Timestamp   `db:"created_at"`
}

func (r auditRow) toRecord() (Record, error) {
	rec := Record{
		ID:          types.AuditID(r.ID),
		EventID:     types.EventID(r.EventID),
		EventType:   r.EventType.String,
		EventData:   json.RawMessage(r.EventData),
		ContextData: json.RawMessage(r.ContextData),
		Explanation: json.RawMessage(r.Explanation),
		ElapsedMs:   r.ElapsedMs,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.MatchedRules), &rec.MatchedRules); err != nil {
		return Record{}, fmt.Errorf("audit %s: failed to decode matched rules: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Actions), &rec.Actions); err != nil {
		return Record{}, fmt.Errorf("audit %s: failed to decode actions: %w", r.ID, err)
	}
	return rec, nil
}

// Record inserts the audit log and its rule index rows in one transaction.
func (s *SQLSink) Record(ctx context.Context, entry Entry) (types.AuditID, error) {
	rec, err := toRecord(entry.withDefaults(s.now()))
	if err != nil {
		return "", err
	}
	matched, err := json.Marshal(rec.MatchedRules)
	if err != nil {
		return "", fmt.Errorf("failed to encode matched rules: %w", err)
	}
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return "", fmt.Errorf("failed to encode actions: %w", err)
	}
	eventType := sql.NullString{String: rec.EventType, Valid: rec.EventType != ""}

	err = s.q.InTx(ctx, func(tx *db.Tx) error {
		_, err := tx.Exec(ctx, "insert-audit-log",
			string(rec.ID), string(rec.EventID), eventType,
			string(rec.EventData), string(rec.ContextData), string(matched),
			string(actions), string(rec.Explanation), rec.ElapsedMs,
			db.NewTimestamp(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert audit log: %w", err)
		}

		seen := make(map[types.RuleID]bool, len(rec.MatchedRules))
		for _, id := range rec.MatchedRules {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := tx.Exec(ctx, "insert-audit-match", string(rec.ID), string(id)); err != nil {
				return fmt.Errorf("failed to index audit match: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Query returns records newest first.
func (s *SQLSink) Query(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.EffectiveLimit()
	var rows []auditRow
	var err error
	switch {
	case f.EventID != "" && f.RuleID != "":
		err = s.q.SelectContext(ctx, "list-audit-logs-by-event-and-rule", &rows, string(f.EventID), string(f.RuleID), limit)
	case f.EventID != "":
		err = s.q.SelectContext(ctx, "list-audit-logs-by-event", &rows, string(f.EventID), limit)
	case f.RuleID != "":
		err = s.q.SelectContext(ctx, "list-audit-logs-by-rule", &rows, string(f.RuleID), limit)
	default:
		err = s.q.SelectContext(ctx, "list-audit-logs", &rows, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Prune deletes records created before the cutoff and returns how many.
func (s *SQLSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := db.NewTimestamp(before)
	var deleted int64
	err := s.q.InTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx, "prune-audit-matches", cutoff); err != nil {
			return fmt.Errorf("failed to prune audit matches: %w", err)
		}
		res, err := tx.Exec(ctx, "prune-audit-logs", cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune audit logs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
