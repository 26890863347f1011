// Package metrics holds the Prometheus collectors of the reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "isms"

var (
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Engine runs by kind and final status.",
	}, []string{"kind", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of engine runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	ChecksEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_evaluated_total",
		Help:      "Check verdicts by check name and result.",
	}, []string{"check", "result"})

	EvidenceCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_created_total",
		Help:      "Evidence rows inserted (duplicates excluded).",
	})

	RiskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_transitions_total",
		Help:      "Risk lifecycle transitions applied by the engine.",
	}, []string{"transition"})

	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_fetches_total",
		Help:      "Underlying external fetches by outcome.",
	}, []string{"outcome"})

	BackgroundErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "background_task_errors_total",
		Help:      "Errors returned by fire-and-forget background tasks.",
	})
)
