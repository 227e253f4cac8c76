// Package metrics exposes prometheus counters for the conversation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

// Recorder owns a dedicated registry. A nil Recorder records nothing.
type Recorder struct {
	registry          *prometheus.Registry
	accessDecisions   *prometheus.CounterVec
	exchanges         *prometheus.CounterVec
	ledgerOperations  *prometheus.CounterVec
	generationResults *prometheus.CounterVec
	generationLatency prometheus.Histogram
	levelUps          prometheus.Counter
	milestones        *prometheus.CounterVec
	rateLimited       prometheus.Counter
	droppedTasks      *prometheus.CounterVec
}

// NewRecorder registers the engine collectors plus the Go runtime and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access policy decisions by kind.",
		}, []string{"kind"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed exchanges by how access was granted.",
		}, []string{"consumed"}),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		generationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation backend calls by outcome.",
		}, []string{"outcome"}),
		generationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation backend calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		levelUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_ups_total",
			Help:      "Relationship level-ups.",
		}),
		milestones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "milestones_total",
			Help:      "Milestones reached by level.",
		}, []string{"level"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the rate limiter.",
		}),
		droppedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_dropped_total",
			Help:      "Best-effort tasks dropped because the pool was saturated or the task failed.",
		}, []string{"task"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.accessDecisions,
		recorder.exchanges,
		recorder.ledgerOperations,
		recorder.generationResults,
		recorder.generationLatency,
		recorder.levelUps,
		recorder.milestones,
		recorder.rateLimited,
		recorder.droppedTasks,
	)
	return recorder
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) AccessDecision(kind string) {
	if r == nil {
		return
	}
	r.accessDecisions.WithLabelValues(kind).Inc()
}

func (r *Recorder) Exchange(consumed string) {
	if r == nil {
		return
	}
	r.exchanges.WithLabelValues(consumed).Inc()
}

func (r *Recorder) LedgerOperation(operation, outcome string) {
	if r == nil {
		return
	}
	r.ledgerOperations.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) Generation(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.generationResults.WithLabelValues(outcome).Inc()
	r.generationLatency.Observe(elapsed.Seconds())
}

func (r *Recorder) LevelUp() {
	if r == nil {
		return
	}
	r.levelUps.Inc()
}

func (r *Recorder) Milestone(level string) {
	if r == nil {
		return
	}
	r.milestones.WithLabelValues(level).Inc()
}

func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

func (r *Recorder) TaskDropped(task string) {
	if r == nil {
		return
	}
	r.droppedTasks.WithLabelValues(task).Inc()
}
