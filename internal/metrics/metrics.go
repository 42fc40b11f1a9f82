// Package metrics provides daemon-internal instrumentation for dbgd.
//
// DEPENDENCY: This package requires github.com/prometheus/client_golang.
// Run: go get github.com/prometheus/client_golang
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector dbgd registers. There is no HTTP
// /metrics endpoint (the daemon has no HTTP surface); the `health` command
// formats a subset of these for the CLI instead (see Snapshot).
type Metrics struct {
	registry *prometheus.Registry

	RequestsInFlight   prometheus.Gauge
	RequestDuration    *prometheus.HistogramVec
	RequestsTotal      *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	EventStoreQueue    prometheus.Gauge
	EventStoreFlushDur prometheus.Histogram
	EventStoreErrors   prometheus.Counter
}

var (
	once sync.Once
	m    *Metrics
)

// Get returns the process-wide Metrics instance, constructing it on first
// use against a private registry (never the global default one, so tests
// can construct independent instances without collector-already-registered
// panics).
func Get() *Metrics {
	once.Do(func() {
		m = New()
	})
	return m
}

// New builds a fresh Metrics instance against its own registry. Used by
// Get() for the process-wide singleton and directly by tests that want
// isolation.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbgd_requests_inflight",
			Help: "Number of protocol requests currently awaiting a response.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbgd_request_duration_seconds",
			Help:    "Protocol request round-trip latency by transport kind and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "method"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgd_requests_total",
			Help: "Protocol requests issued, by transport kind, method, and outcome.",
		}, []string{"transport", "method", "outcome"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbgd_sessions_active",
			Help: "Number of sessions currently registered.",
		}),
		EventStoreQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbgd_eventstore_queue_depth",
			Help: "Number of StoredEvent records buffered awaiting flush.",
		}),
		EventStoreFlushDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbgd_eventstore_flush_duration_seconds",
			Help:    "Duration of a single event-store flush transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		EventStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dbgd_eventstore_flush_errors_total",
			Help: "Flush transactions that failed and were retried.",
		}),
	}
}

// Snapshot renders a compact, human-readable dump suitable for the `health`
// CLI command. It gathers from the private registry rather than scraping a
// /metrics endpoint over HTTP, since the daemon exposes no such endpoint.
func (m *Metrics) Snapshot() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("metrics: gather: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var b strings.Builder
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			fmt.Fprintf(&b, "%s", f.GetName())
			for _, lbl := range metric.GetLabel() {
				fmt.Fprintf(&b, "{%s=%q}", lbl.GetName(), lbl.GetValue())
			}
			switch {
			case metric.GetGauge() != nil:
				fmt.Fprintf(&b, " %g\n", metric.GetGauge().GetValue())
			case metric.GetCounter() != nil:
				fmt.Fprintf(&b, " %g\n", metric.GetCounter().GetValue())
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				fmt.Fprintf(&b, " count=%d sum=%g\n", h.GetSampleCount(), h.GetSampleSum())
			default:
				fmt.Fprintf(&b, " ?\n")
			}
		}
	}
	return b.String(), nil
}
