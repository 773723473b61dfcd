package types

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewEventID generates a UUIDv7 event identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

// NewAuditID generates a UUIDv7 audit identifier.
// Time-ordered IDs ensure sequential inserts cluster in B-tree pages.
func NewAuditID() AuditID {
	return AuditID(uuid.Must(uuid.NewV7()).String())
}

// NewVersionID generates a UUIDv7 rule version identifier.
func NewVersionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseAuditID validates and converts a string to AuditID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseAuditID(s string) (AuditID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return AuditID(s), nil
}

// AuditIDTime extracts the timestamp embedded in a UUIDv7 audit ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func AuditIDTime(id AuditID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}

// MakeRuleID derives a rule id from its name: trimmed, lowercased, spaces
// and dashes folded to underscores, truncated to MaxRuleIDLength bytes.
func MakeRuleID(name string) RuleID {
	id := strings.ToLower(strings.TrimSpace(name))
	id = strings.NewReplacer(" ", "_", "-", "_").Replace(id)
	if len(id) > MaxRuleIDLength {
		id = id[:MaxRuleIDLength]
	}
	return RuleID(id)
}

// WithCollisionSuffix appends a random 6 hex char suffix used when the
// derived id is already taken.
func WithCollisionSuffix(id RuleID) RuleID {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		u := uuid.New()
		copy(buf[:], u[:3])
	}
	return RuleID(string(id) + "_" + hex.EncodeToString(buf[:]))
}
