// Package metrics exports console and scheduler activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rcontab/internal/console"
	"rcontab/internal/core"
)

const namespace = "rcontab"

var (
	_ console.Observer = (*Metrics)(nil)
	_ core.Observer    = (*Metrics)(nil)
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Connected   prometheus.Gauge
	Connects    prometheus.Counter
	Disconnects *prometheus.CounterVec
	Commands    *prometheus.CounterVec

	TickDuration      prometheus.Histogram
	JobRuns           *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	PredicateFailures *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "connected",
			Help:      "1 while an RCON connection is open",
		}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "connects_total",
			Help:      "Successful RCON connections",
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "disconnects_total",
			Help:      "RCON disconnections by reason",
		}, []string{"reason"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Commands sent over RCON by result",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent evaluating and running jobs per tick",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Job invocations by outcome",
		}, []string{"job", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job run latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		PredicateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "predicate_failures_total",
			Help:      "Panics raised while deciding whether a job is due",
		}, []string{"job"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConsoleConnected() {
	m.Connected.Set(1)
	m.Connects.Inc()
}

func (m *Metrics) ConsoleDisconnected(reason string) {
	m.Connected.Set(0)
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConsoleCommand(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(result).Inc()
}

func (m *Metrics) TickCompleted(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) JobFinished(job string, status core.RunStatus, d time.Duration) {
	m.JobRuns.WithLabelValues(job, string(status)).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) JobPredicateFailed(job string) {
	m.PredicateFailures.WithLabelValues(job).Inc()
}
