package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cinegate"

// Metrics holds the gateway's stream and collaborator metrics.
type Metrics struct {
	StreamOutcomes    *prometheus.CounterVec // label: outcome
	StreamBytes       prometheus.Counter
	StreamDuration    prometheus.Histogram
	ActiveStreams     prometheus.Gauge
	RequestsRejected  *prometheus.CounterVec // label: status
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	PrioritizerBoosts *prometheus.CounterVec // label: direction
	PiecesDowngraded  prometheus.Counter
}

// New creates and registers metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "outcomes_total",
			Help:      "Finished stream requests by outcome.",
		}, []string{"outcome"}),
		StreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Total body bytes written to stream clients.",
		}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Duration of stream requests from headers to last byte.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of stream requests currently transferring.",
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "rejected_total",
			Help:      "Stream requests answered with an error before any body byte.",
		}, []string{"status"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls to the torrent engine and library manager.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"collaborator", "op"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Failed collaborator calls.",
		}, []string{"collaborator", "op"}),
		PrioritizerBoosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prioritizer",
			Name:      "boosts_total",
			Help:      "Region boosts of the embedded engine by seek direction.",
		}, []string{"direction"}),
		PiecesDowngraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prioritizer",
			Name:      "pieces_downgraded_total",
			Help:      "Pieces returned to normal priority after the playback window moved.",
		}),
	}

	reg.MustRegister(
		m.StreamOutcomes,
		m.StreamBytes,
		m.StreamDuration,
		m.ActiveStreams,
		m.RequestsRejected,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.PrioritizerBoosts,
		m.PiecesDowngraded,
	)

	return m
}

// ObserveUpstream records one collaborator call. Its signature matches
// media.UpstreamObserver.
func (m *Metrics) ObserveUpstream(collaborator, op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(collaborator, op).Observe(took.Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(collaborator, op).Inc()
	}
}

// ObserveBoost counts a prioritizer region boost.
func (m *Metrics) ObserveBoost(forward bool) {
	if m == nil {
		return
	}
	direction := "backward"
	if forward {
		direction = "forward"
	}
	m.PrioritizerBoosts.WithLabelValues(direction).Inc()
}

// ObserveDowngrade counts pieces whose priority was lowered.
func (m *Metrics) ObserveDowngrade(count int) {
	if m == nil {
		return
	}
	m.PiecesDowngraded.Add(float64(count))
}
