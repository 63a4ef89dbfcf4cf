package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foofork/riptide/internal/events"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for pipeline completions, fetches, budget pressure, and breaker trips.
type PrometheusSink struct {
	pipelineTotal    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	cacheHits        prometheus.Counter
	fetchRequests    *prometheus.CounterVec
	fetchBytes       *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	budgetWarnings   *prometheus.CounterVec
	breakerTrips     *prometheus.CounterVec
	requeues         prometheus.Counter
	poolEvictions    prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		pipelineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_pipeline_total",
			Help: "Pipeline completions partitioned by result.",
		}, []string{"result"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riptide_pipeline_duration_seconds",
			Help:    "Wall time per pipeline execution.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riptide_cache_hits_total",
			Help: "Pipeline executions served from cache.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_fetch_requests_total",
			Help: "Fetch completions partitioned by host.",
		}, []string{"host"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_gate_decisions_total",
			Help: "Gate routing decisions partitioned by tier.",
		}, []string{"decision"}),
		budgetWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_budget_events_total",
			Help: "Budget warnings and denials partitioned by kind.",
		}, []string{"kind"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_breaker_trips_total",
			Help: "Circuit breaker trips partitioned by dependency.",
		}, []string{"dependency"}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riptide_frontier_requeues_total",
			Help: "Requests requeued into the frontier after retryable failure.",
		}),
		poolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riptide_pool_evictions_total",
			Help: "Extraction pool instances destroyed for poor health.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.pipelineTotal,
		s.pipelineDuration,
		s.cacheHits,
		s.fetchRequests,
		s.fetchBytes,
		s.gateDecisions,
		s.budgetWarnings,
		s.breakerTrips,
		s.requeues,
		s.poolEvictions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StagePipelineDone:
		s.pipelineTotal.WithLabelValues("success").Inc()
		if evt.Dur > 0 {
			s.pipelineDuration.WithLabelValues("success").Observe(evt.Dur.Seconds())
		}
	case events.StagePipelineError:
		s.pipelineTotal.WithLabelValues("error").Inc()
		if evt.Dur > 0 {
			s.pipelineDuration.WithLabelValues("error").Observe(evt.Dur.Seconds())
		}
	case events.StageCacheHit:
		s.cacheHits.Inc()
	case events.StageFetchDone:
		host := evt.Host
		if host == "" {
			host = "unknown"
		}
		s.fetchRequests.WithLabelValues(host).Inc()
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
		}
	case events.StageGateDecision:
		s.gateDecisions.WithLabelValues(evt.Note).Inc()
	case events.StageBudgetWarn:
		s.budgetWarnings.WithLabelValues("warn").Inc()
	case events.StageBudgetDeny:
		s.budgetWarnings.WithLabelValues("deny").Inc()
	case events.StageBreakerTrip:
		s.breakerTrips.WithLabelValues(evt.Note).Inc()
	case events.StageRequeue:
		s.requeues.Inc()
	case events.StagePoolEvict:
		s.poolEvictions.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
