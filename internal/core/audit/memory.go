// internal/core/audit/memory.go
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

// MemorySink keeps records in memory, newest last.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

var (
	_ Sink    = (*MemorySink)(nil)
	_ Querier = (*MemorySink)(nil)
	_ Pruner  = (*MemorySink)(nil)
)

func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now}
}

func (s *MemorySink) Record(_ context.Context, entry Entry) (types.AuditID, error) {
	rec, err := toRecord(entry.withDefaults(s.now()))
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *MemorySink) Query(_ context.Context, f Filter) ([]Record, error) {
	limit := f.EffectiveLimit()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Record{}
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Matches(f) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *MemorySink) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if rec.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
