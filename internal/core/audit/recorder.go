// internal/core/audit/recorder.go
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/solatis/ruleskeeper/internal/core/metrics"
	"github.com/solatis/ruleskeeper/internal/types"
)

/*
 * Asynchronous audit recording.
 *
 * Record assigns the audit id up front, enqueues the entry on a bounded
 * channel and returns without waiting for the write. A single worker drains
 * the channel into the wrapped sink.
 *
 * Back-pressure: a full buffer drops the entry (ErrAuditBufferFull, logged
 * and counted). Evaluation latency never depends on sink latency.
 *
 * Shutdown: Close stops intake, then the worker drains what is buffered
 * before returning.
 */

// DefaultWriteTimeout bounds a single sink write made by the worker.
const DefaultWriteTimeout = 5 * time.Second

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("audit recorder closed")

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRecorderMetrics counts failed and dropped writes.
func WithRecorderMetrics(m *metrics.Collector) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.writeTimeout = d
	}
}

// Recorder is a non-blocking Sink in front of a slower one.
type Recorder struct {
	sink         Sink
	entries      chan Entry
	done         chan struct{}
	wg           sync.WaitGroup
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Collector
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*Recorder)(nil)

// NewRecorder starts the worker. buffer is the channel capacity.
func NewRecorder(sink Sink, buffer int, opts ...RecorderOption) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	r := &Recorder{
		sink:         sink,
		entries:      make(chan Entry, buffer),
		done:         make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "audit_recorder")

	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues entry and returns the id it will be stored under.
func (r *Recorder) Record(_ context.Context, entry Entry) (types.AuditID, error) {
	entry = entry.withDefaults(r.now())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return "", ErrRecorderClosed
	}

	select {
	case r.entries <- entry:
		return entry.ID, nil
	default:
		r.metrics.RecordAuditDropped()
		r.logger.Error("audit buffer full, dropping record",
			"audit_id", entry.ID,
			"event_id", entry.EventID,
			"capacity", cap(r.entries),
		)
		return "", types.ErrAuditBufferFull
	}
}

// Close stops accepting entries and waits for buffered ones to be written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.done:
			for {
				select {
				case entry := <-r.entries:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	start := time.Now()
	if _, err := r.sink.Record(ctx, entry); err != nil {
		r.metrics.RecordAuditFailure()
		r.logger.Error("failed to write audit record",
			"audit_id", entry.ID,
			"event_id", entry.EventID,
			"error", err,
		)
		return
	}
	if d := time.Since(start); d > r.writeTimeout/2 {
		r.logger.Warn("slow audit write",
			"audit_id", entry.ID,
			"duration_ms", d.Milliseconds(),
		)
	}
}
