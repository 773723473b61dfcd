package types

import "errors"

// Sentinel errors for ruleskeeper operations.
var (
	// ErrRuleNotFound indicates the requested rule id does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule indicates a rule id collided on insert.
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrInvalidRule indicates a rule definition failed input validation.
	ErrInvalidRule = errors.New("invalid rule definition")

	// ErrEmptyRuleName indicates a rule name that normalizes to an empty id.
	ErrEmptyRuleName = errors.New("rule name is empty")

	// ErrInvalidConditions indicates conditions that are not valid JSON.
	ErrInvalidConditions = errors.New("conditions are not valid JSON")

	// ErrPayloadTooLarge indicates a request body exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrStoreUnavailable indicates the rule store could not be read.
	ErrStoreUnavailable = errors.New("rule store unavailable")

	// ErrBrokerDisabled indicates publishing was attempted without a broker.
	ErrBrokerDisabled = errors.New("event broker disabled")

	// ErrAuditBufferFull indicates the async audit recorder dropped an entry.
	ErrAuditBufferFull = errors.New("audit buffer full")
)
