// Package audit records evaluation outcomes.
//
// Sinks persist one Record per evaluated event: its inputs, the matched rule
// ids, the aggregated actions and the explanation. Writing an audit record is
// a side channel of evaluation: a failing sink is logged and counted by the
// caller but never turns a computed match result into an error.
//
// Implementations:
//   - SQLSink: audit_logs table through named queries, queryable and prunable
//   - JSONLSink: one JSON line per record in daily files
//   - MemorySink: in-process, for tests and database-less deployments
//   - Multi: fan-out to several sinks
//   - Recorder: asynchronous wrapper with a bounded buffer
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solatis/ruleskeeper/internal/rules"
	"github.com/solatis/ruleskeeper/internal/types"
)

// Sink persists audit entries.
type Sink interface {
	// Record stores entry and returns its id. Entries carrying an id keep it.
	Record(ctx context.Context, entry Entry) (types.AuditID, error)
}

// Querier reads audit records back, newest first.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// Pruner deletes audit records created before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Entry is one evaluation to be audited.
type Entry struct {
	ID        types.AuditID
	EventID   types.EventID
	EventType string
	Event     types.Document
	Context   types.Document
	Result    rules.MatchResult
	CreatedAt time.Time
}

// NewEntry builds an entry for an evaluated event. An empty eventID gets a
// fresh UUIDv7 and the event type is taken from event.type when it is a
// string.
func NewEntry(eventID types.EventID, event, evalContext types.Document, result rules.MatchResult) Entry {
	if eventID == "" {
		eventID = types.NewEventID()
	}
	var eventType string
	if s, ok := event["type"].(string); ok {
		eventType = s
	}
	return Entry{
		EventID:   eventID,
		EventType: eventType,
		Event:     event,
		Context:   evalContext,
		Result:    result,
	}
}

// withDefaults assigns the id and creation time when absent.
func (e Entry) withDefaults(now time.Time) Entry {
	if e.ID == "" {
		e.ID = types.NewAuditID()
	}
	if e.EventID == "" {
		e.EventID = types.NewEventID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC().Truncate(time.Microsecond)
	}
	return e
}

// Record is the stored form of an Entry.
type Record struct {
	ID           types.AuditID   `json:"id"`
	EventID      types.EventID   `json:"event_id"`
	EventType    string          `json:"event_type,omitempty"`
	EventData    json.RawMessage `json:"event_data"`
	ContextData  json.RawMessage `json:"context_data"`
	MatchedRules []types.RuleID  `json:"matched_rules"`
	Actions      []types.Action  `json:"actions"`
	Explanation  json.RawMessage `json:"explanation"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Matches reports whether the record satisfies the filter's predicates.
// The limit is not applied here.
func (r Record) Matches(f Filter) bool {
	if f.EventID != "" && r.EventID != f.EventID {
		return false
	}
	if f.RuleID == "" {
		return true
	}
	for _, id := range r.MatchedRules {
		if id == f.RuleID {
			return true
		}
	}
	return false
}

func marshalDocument(doc types.Document) (json.RawMessage, error) {
	if doc == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(doc)
}

// toRecord encodes an entry whose defaults have been applied.
func toRecord(e Entry) (Record, error) {
	event, err := marshalDocument(e.Event)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode event: %w", err)
	}
	ctxData, err := marshalDocument(e.Context)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode context: %w", err)
	}
	explanation := e.Result.Explanation
	if explanation == nil {
		explanation = []rules.Block{}
	}
	expl, err := json.Marshal(explanation)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode explanation: %w", err)
	}
	matched := e.Result.MatchedRuleIDs
	if matched == nil {
		matched = []types.RuleID{}
	}
	actions := e.Result.Actions
	if actions == nil {
		actions = []types.Action{}
	}
	return Record{
		ID:           e.ID,
		EventID:      e.EventID,
		EventType:    e.EventType,
		EventData:    event,
		ContextData:  ctxData,
		MatchedRules: matched,
		Actions:      actions,
		Explanation:  expl,
		ElapsedMs:    e.Result.ElapsedMs,
		CreatedAt:    e.CreatedAt,
	}, nil
}

// Filter narrows audit queries.
type Filter struct {
	EventID types.EventID
	RuleID  types.RuleID
	Limit   int
}

// EffectiveLimit clamps Limit to (0, MaxAuditLimit], defaulting when unset.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return types.DefaultAuditLimit
	case f.Limit > types.MaxAuditLimit:
		return types.MaxAuditLimit
	default:
		return f.Limit
	}
}
