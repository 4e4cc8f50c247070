// Package metric exposes engine metrics on a private Prometheus registry.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spikememory"

// Metrics contains all engine metrics.
type Metrics struct {
	CycleDuration prometheus.Histogram
	CycleOverruns prometheus.Counter
	Scans         *prometheus.CounterVec
	Spikes        *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Gaps          *prometheus.CounterVec
	FetchErrors   *prometheus.CounterVec
	Backlog       *prometheus.GaugeVec
	StreamStatus  *prometheus.GaugeVec
	Clients       prometheus.Gauge

	ProcessCPU prometheus.Gauge
	ProcessRSS prometheus.Gauge
}

// NewMetrics creates the engine metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Pipeline cycle duration in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .02, .035, .05, .075, .1, .25},
			},
		),

		CycleOverruns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "overruns_total",
				Help:      "Cycles that took longer than the tick",
			},
		),

		Scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "scans_total",
				Help:      "Scans read per stream",
			},
			[]string{"stream"},
		),

		Spikes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detect",
				Name:      "spikes_total",
				Help:      "Spikes detected per probe",
			},
			[]string{"probe"},
		),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detect",
				Name:      "events_total",
				Help:      "Events detected per event type",
			},
			[]string{"type"},
		),

		Gaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "gaps_total",
				Help:      "Fetch gaps recovered by reading the latest window",
			},
			[]string{"stream"},
		),

		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "errors_total",
				Help:      "Failed sample-count or fetch calls per stream",
			},
			[]string{"stream"},
		),

		Backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "backlog_scans",
				Help:      "Scans available on the backend but not yet read",
			},
			[]string{"stream"},
		),

		StreamStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "status",
				Help:      "Stream health (0=healthy, 1=degraded, 2=failed)",
			},
			[]string{"stream"},
		),

		Clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "clients",
				Help:      "Connected display clients",
			},
		),

		ProcessCPU: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "Process CPU usage since the previous sample",
			},
		),

		ProcessRSS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "rss_bytes",
				Help:      "Process resident set size",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CycleDuration, m.CycleOverruns,
		m.Scans, m.Spikes, m.Events, m.Gaps, m.FetchErrors, m.Backlog,
		m.StreamStatus, m.Clients,
		m.ProcessCPU, m.ProcessRSS,
	}
}

// RecordCycle observes a cycle's duration and counts it as an overrun when
// it exceeded the tick.
func (m *Metrics) RecordCycle(d, tick time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
	if d > tick {
		m.CycleOverruns.Inc()
	}
}

// RecordScans adds scans read from a stream.
func (m *Metrics) RecordScans(stream string, n int) {
	m.Scans.WithLabelValues(stream).Add(float64(n))
}

// RecordSpikes adds spikes detected on a probe.
func (m *Metrics) RecordSpikes(probe string, n int) {
	if n > 0 {
		m.Spikes.WithLabelValues(probe).Add(float64(n))
	}
}

// RecordEvent increments an event type's counter.
func (m *Metrics) RecordEvent(eventType string) {
	m.Events.WithLabelValues(eventType).Inc()
}

// RecordGap increments a stream's gap counter.
func (m *Metrics) RecordGap(stream string) {
	m.Gaps.WithLabelValues(stream).Inc()
}

// RecordFetchError increments a stream's error counter.
func (m *Metrics) RecordFetchError(stream string) {
	m.FetchErrors.WithLabelValues(stream).Inc()
}

// RecordBacklog sets how far a stream's cursor trails the backend.
func (m *Metrics) RecordBacklog(stream string, scans uint64) {
	m.Backlog.WithLabelValues(stream).Set(float64(scans))
}

// RecordStreamStatus sets a stream's health gauge.
func (m *Metrics) RecordStreamStatus(stream string, level int) {
	m.StreamStatus.WithLabelValues(stream).Set(float64(level))
}

// RecordProcess sets the process resource gauges.
func (m *Metrics) RecordProcess(s ProcessStats) {
	m.ProcessCPU.Set(s.CPUPercent)
	m.ProcessRSS.Set(float64(s.RSSBytes))
}

// Registry owns the Prometheus registry the engine metrics live on.
type Registry struct {
	reg     *prometheus.Registry
	Metrics *Metrics
}

// NewRegistry registers the engine metrics plus Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg:     prometheus.NewRegistry(),
		Metrics: NewMetrics(),
	}
	r.reg.MustRegister(r.Metrics.collectors()...)
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
