// Package metrics exposes Prometheus instrumentation for evaluation, audit
// and broker paths.
//
// All metrics live on a private registry so tests and embedded uses never
// collide with the global default registry. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ruleskeeper"

// Evaluation modes and publish results used as label values.
const (
	ModeSync     = "sync"
	ModeAsync    = "async"
	ModeConsumer = "consumer"

	PublishAccepted = "accepted"
	PublishRefused  = "refused"
	PublishError    = "error"
)

// Collector owns the registry and every ruleskeeper metric.
type Collector struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	ruleMatches        *prometheus.CounterVec
	auditFailures      prometheus.Counter
	auditDropped       prometheus.Counter
	brokerPublish      *prometheus.CounterVec
}

// NewCollector registers all metrics on registry, or on a fresh registry
// when nil. Go runtime and process collectors are included.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of event evaluations by mode",
			},
			[]string{"mode"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of synchronous rule matching in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
			},
		),
		ruleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Total number of matches per rule",
			},
			[]string{"rule_id"},
		),
		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_failures_total",
				Help:      "Audit records that failed to persist",
			},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the buffer was full",
			},
		),
		brokerPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_publish_total",
				Help:      "Broker publish attempts by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		c.evaluations,
		c.evaluationDuration,
		c.ruleMatches,
		c.auditFailures,
		c.auditDropped,
		c.brokerPublish,
	)
	return c
}

// Registry returns the registry metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordEvaluation counts one evaluation. Duration is observed for modes
// that actually ran the pipeline.
func (c *Collector) RecordEvaluation(mode string, duration time.Duration, matched []string) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(mode).Inc()
	if mode == ModeAsync {
		return
	}
	c.evaluationDuration.Observe(duration.Seconds())
	for _, id := range matched {
		c.ruleMatches.WithLabelValues(id).Inc()
	}
}

// RecordAuditFailure counts an audit write that failed.
func (c *Collector) RecordAuditFailure() {
	if c == nil {
		return
	}
	c.auditFailures.Inc()
}

// RecordAuditDropped counts an audit record dropped on a full buffer.
func (c *Collector) RecordAuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}

// RecordPublish counts a broker publish attempt.
func (c *Collector) RecordPublish(result string) {
	if c == nil {
		return
	}
	c.brokerPublish.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
