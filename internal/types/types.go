// Package types provides domain models shared across ruleskeeper components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the
// standard library so the evaluation core stays importable on its own. ID
// utilities in ids.go import uuid and are isolated for that reason.
package types

import "encoding/json"

// RuleID identifies a rule. Derived from the rule name (see MakeRuleID),
// so unlike the other identifiers it is not a UUID.
type RuleID string

// EventID identifies an evaluated event. Callers may supply their own; when
// absent a UUIDv7 is generated.
type EventID string

// AuditID represents a UUIDv7 audit record identifier.
// UUIDv7 time-ordering keeps sequential audit inserts clustered in B-tree indexes.
type AuditID string

// Document is an untyped JSON object, the shape of both event and context.
type Document map[string]any

// DecodeDocument parses a JSON object. A null or empty input yields an empty
// document so callers never have to nil-check.
func DecodeDocument(data []byte) (Document, error) {
	if len(data) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Resource limits enforced at the serving boundary.
const (
	// MaxPayloadSize limits request bodies to prevent OOM on hostile input.
	// 1MB comfortably holds an event, its context and a rule definition.
	MaxPayloadSize = 1024 * 1024

	// MaxRuleIDLength caps slugs derived from rule names.
	MaxRuleIDLength = 48

	// DefaultPriority is assigned to rules created without one.
	DefaultPriority = 100

	// DefaultAuditLimit bounds audit queries that omit a limit.
	DefaultAuditLimit = 100

	// MaxAuditLimit bounds audit queries that ask for too much.
	MaxAuditLimit = 1000

	// DefaultAuthor is recorded on versions created without an authenticated caller.
	DefaultAuthor = "system"
)
