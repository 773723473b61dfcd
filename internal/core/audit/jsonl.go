// internal/core/audit/jsonl.go
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/solatis/ruleskeeper/internal/types"
)

const dayLayout = "2006-01-02"

// JSONLSink appends one JSON line per record to <dir>/YYYY-MM-DD.jsonl,
// keyed by the record's UTC creation day.
type JSONLSink struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

var (
	_ Sink   = (*JSONLSink)(nil)
	_ Pruner = (*JSONLSink)(nil)
)

// NewJSONLSink creates dir when needed.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &JSONLSink{dir: dir, now: time.Now}, nil
}

func (s *JSONLSink) path(day time.Time) string {
	return filepath.Join(s.dir, day.UTC().Format(dayLayout)+".jsonl")
}

func (s *JSONLSink) Record(_ context.Context, entry Entry) (types.AuditID, error) {
	rec, err := toRecord(entry.withDefaults(s.now()))
	if err != nil {
		return "", err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(rec.CreatedAt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to open audit file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close audit file: %w", err)
	}
	return rec.ID, nil
}

// Prune removes daily files whose whole day lies before the cutoff and
// returns the number of files removed.
func (s *JSONLSink) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list audit directory: %w", err)
	}
	var removed int64
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".jsonl")
		if !ok || e.IsDir() {
			continue
		}
		day, err := time.Parse(dayLayout, name)
		if err != nil {
			continue
		}
		if !day.AddDate(0, 0, 1).After(before) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}
