// internal/core/audit/multi.go
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

// Multi writes every entry to all sinks under one shared id. The first
// sink is the primary: its failure fails the call, failures of the others
// are joined into the returned error alongside the primary's id.
type Multi struct {
	sinks []Sink
	now   func() time.Time
}

var (
	_ Sink   = (*Multi)(nil)
	_ Pruner = (*Multi)(nil)
)

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, now: time.Now}
}

func (m *Multi) Record(ctx context.Context, entry Entry) (types.AuditID, error) {
	if len(m.sinks) == 0 {
		return "", errors.New("no audit sinks configured")
	}
	entry = entry.withDefaults(m.now())

	id, err := m.sinks[0].Record(ctx, entry)
	if err != nil {
		return "", err
	}
	var errs []error
	for _, s := range m.sinks[1:] {
		if _, err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return id, errors.Join(errs...)
}

// Prune prunes every sink that supports it and sums the counts.
func (m *Multi) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	var errs []error
	for _, s := range m.sinks {
		p, ok := s.(Pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx, before)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
