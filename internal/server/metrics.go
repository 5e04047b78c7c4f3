package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the minimization counters exported on /metrics.
type Metrics struct {
	minimizations       *prometheus.CounterVec
	functionEvaluations *prometheus.CounterVec
	gradientEvaluations *prometheus.CounterVec
	duration            *prometheus.HistogramVec
	running             prometheus.Gauge
	rejected            prometheus.Counter
}

// NewMetrics registers the minimization metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		minimizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimize",
			Name:      "runs_total",
			Help:      "Finished minimizations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		functionEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimize",
			Name:      "function_evaluations_total",
			Help:      "Objective evaluations performed by finished minimizations.",
		}, []string{"kind"}),
		gradientEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimize",
			Name:      "gradient_evaluations_total",
			Help:      "Gradient evaluations performed by finished minimizations.",
		}, []string{"kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "minimize",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished minimizations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "minimize",
			Name:      "running_jobs",
			Help:      "Minimizations pending or in progress.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "minimize",
			Name:      "rejected_total",
			Help:      "Requests refused because the job limit was reached.",
		}),
	}
}
