// Package evaluation ties the rule engine to its collaborators: the rule
// store for snapshots, the audit sink for records, the broker for deferred
// processing and the metrics collector.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/ruleskeeper/internal/core/audit"
	"github.com/solatis/ruleskeeper/internal/core/broker"
	"github.com/solatis/ruleskeeper/internal/core/metrics"
	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/rules"
	"github.com/solatis/ruleskeeper/internal/types"
)

// AsyncNote is the only explanation entry of an accepted async request.
const AsyncNote = "Event sent to broker for async processing"

// Request is one evaluation call.
type Request struct {
	Event   types.Document `json:"event"`
	Context types.Document `json:"context"`
	EventID types.EventID  `json:"event_id,omitempty"`
	Async   bool           `json:"async_mode"`
}

// Response is the match result plus the audit id when recording succeeded.
type Response struct {
	rules.MatchResult
	AuditLogID types.AuditID `json:"audit_log_id,omitempty"`
}

// Service evaluates events against the current rule snapshot.
type Service struct {
	store     store.RuleStore
	engine    *rules.Engine
	audit     audit.Sink
	publisher broker.Publisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAudit records every synchronous evaluation to sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// WithPublisher enables async mode through p.
func WithPublisher(p broker.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a service. Without WithPublisher async requests are
// evaluated synchronously; without WithAudit nothing is recorded.
func NewService(ruleStore store.RuleStore, engine *rules.Engine, opts ...Option) *Service {
	s := &Service{
		store:     ruleStore,
		engine:    engine,
		publisher: broker.Disabled{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "evaluation")
	return s
}

// BrokerAvailable reports whether async requests can be deferred.
func (s *Service) BrokerAvailable() bool {
	return s.publisher.Enabled()
}

// Evaluate matches one event. Async requests go to the broker when it
// accepts them; otherwise they are evaluated in place. A rule store failure
// fails the call. An audit failure never does.
func (s *Service) Evaluate(ctx context.Context, req Request) (Response, error) {
	if req.Async {
		if resp, ok := s.publish(ctx, req); ok {
			return resp, nil
		}
	}
	return s.evaluate(ctx, req, metrics.ModeSync)
}

func (s *Service) publish(ctx context.Context, req Request) (Response, bool) {
	if !s.publisher.Enabled() {
		s.logger.Warn("async evaluation requested without a broker, evaluating synchronously")
		return Response{}, false
	}

	ok, err := s.publisher.Publish(ctx, broker.NewMessage(req.EventID, req.Event, req.Context, s.now()))
	switch {
	case err != nil:
		s.metrics.RecordPublish(metrics.PublishError)
		s.logger.Warn("broker publish failed, evaluating synchronously", "event_id", req.EventID, "error", err)
		return Response{}, false
	case !ok:
		s.metrics.RecordPublish(metrics.PublishRefused)
		s.logger.Warn("broker refused event, evaluating synchronously", "event_id", req.EventID)
		return Response{}, false
	}

	s.metrics.RecordPublish(metrics.PublishAccepted)
	s.metrics.RecordEvaluation(metrics.ModeAsync, 0, nil)

	result := rules.EmptyResult()
	result.Explanation = append(result.Explanation, rules.NoteEntry{Message: AsyncNote})
	return Response{MatchResult: result}, true
}

// HandleMessage evaluates a message taken off the broker. It is the
// broker.Handler of the async consumer.
func (s *Service) HandleMessage(ctx context.Context, msg broker.Message) error {
	resp, err := s.evaluate(ctx, Request{
		Event:   msg.Event,
		Context: msg.Context,
		EventID: msg.EventID,
	}, metrics.ModeConsumer)
	if err != nil {
		return err
	}
	s.logger.Info("deferred event evaluated",
		"event_id", msg.EventID,
		"matched", len(resp.MatchedRuleIDs),
		"audit_log_id", resp.AuditLogID,
	)
	return nil
}

func (s *Service) evaluate(ctx context.Context, req Request, mode string) (Response, error) {
	start := time.Now()

	snapshot, err := s.store.Snapshot(ctx, true)
	if err != nil {
		if !errors.Is(err, types.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
		}
		return Response{}, err
	}

	result := s.engine.Match(snapshot, rules.NewScope(req.Event, req.Context))
	resp := Response{MatchResult: result}
	resp.AuditLogID = s.record(ctx, req, result)

	matched := make([]string, len(result.MatchedRuleIDs))
	for i, id := range result.MatchedRuleIDs {
		matched[i] = string(id)
	}
	s.metrics.RecordEvaluation(mode, time.Since(start), matched)

	s.logger.Debug("event evaluated",
		"mode", mode,
		"event_id", req.EventID,
		"rules", len(snapshot),
		"matched", len(result.MatchedRuleIDs),
		"elapsed_ms", result.ElapsedMs,
	)
	return resp, nil
}

// record writes the audit entry and returns its id, or "" when recording
// failed outright. The caller's cancellation does not abort the write.
func (s *Service) record(ctx context.Context, req Request, result rules.MatchResult) types.AuditID {
	if s.audit == nil {
		return ""
	}
	entry := audit.NewEntry(req.EventID, req.Event, req.Context, result)
	id, err := s.audit.Record(context.WithoutCancel(ctx), entry)
	if err != nil {
		// the async recorder counts its own drops
		if !errors.Is(err, types.ErrAuditBufferFull) {
			s.metrics.RecordAuditFailure()
		}
		s.logger.Error("failed to record audit log",
			"event_id", entry.EventID,
			"audit_log_id", id,
			"error", err,
		)
	}
	return id
}

// Simulate evaluates one stored rule, active or not, and keeps its trace
// whether or not it matched. Nothing is audited.
func (s *Service) Simulate(ctx context.Context, id types.RuleID, event, evalContext types.Document) (rules.SimulationResult, error) {
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return rules.SimulationResult{}, err
	}
	return s.engine.Simulate(rule, rules.NewScope(event, evalContext)), nil
}
