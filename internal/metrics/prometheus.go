// Package metrics exposes backup telemetry as Prometheus metrics. The
// collector is an events.Sink: it is fed by the dispatch engine and the
// update checker like any other sink.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"drivebackup/internal/config"
	"drivebackup/internal/events"
)

const namespace = "drivebackup"

// Ensure PrometheusMetrics implements events.Sink at compile time.
var _ events.Sink = (*PrometheusMetrics)(nil)

// EnabledSource reports which destinations are enabled right now.
// *dispatch.Engine implements it.
type EnabledSource interface {
	IsEnabled(kind config.DestinationKind) bool
	Destinations() []config.DestinationKind
}

// PrometheusMetrics holds the registered collectors.
type PrometheusMetrics struct {
	// OutcomeCounter counts destination outcomes by destination, status and reason.
	OutcomeCounter *prometheus.CounterVec
	// CycleCounter counts cycles by result: completed, source_unavailable, no_destinations.
	CycleCounter *prometheus.CounterVec
	// CycleDuration observes cycle wall time in seconds.
	CycleDuration prometheus.Histogram
	// SnapshotSize is the size of the last uploaded snapshot in bytes.
	SnapshotSize prometheus.Gauge
	// LastSuccess is the unix time of the last successful upload per destination.
	LastSuccess *prometheus.GaugeVec
	// UpdateStatus is 1 for the classification of the last update check, 0 otherwise.
	UpdateStatus *prometheus.GaugeVec
}

var updateClassifications = []string{"up-to-date", "outdated", "ahead-of-feed", "check-failed"}

// NewPrometheusMetrics creates and registers all collectors on reg. Enabled
// destination gauges poll src on every scrape.
func NewPrometheusMetrics(reg prometheus.Registerer, src EnabledSource) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		OutcomeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_outcomes_total",
			Help:      "Destination upload outcomes by destination, status and reason.",
		}, []string{"destination", "status", "reason"}),
		CycleCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Backup cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Backup cycle duration in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
		}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of the most recent snapshot in bytes.",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful upload per destination.",
		}, []string{"destination"}),
		UpdateStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_status",
			Help:      "1 for the classification of the most recent update check.",
		}, []string{"classification"}),
	}

	collectors := []prometheus.Collector{
		m.OutcomeCounter,
		m.CycleCounter,
		m.CycleDuration,
		m.SnapshotSize,
		m.LastSuccess,
		m.UpdateStatus,
	}
	if src != nil {
		collectors = append(collectors, enabledGauges(src)...)
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// enabledGauges builds one gauge per destination kind plus a "none" gauge
// that is 1 when nothing is enabled.
func enabledGauges(src EnabledSource) []prometheus.Collector {
	var gauges []prometheus.Collector
	for _, kind := range config.Kinds {
		gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "destination_enabled",
			Help:        "1 when the destination is enabled.",
			ConstLabels: prometheus.Labels{"destination": string(kind)},
		}, func() float64 {
			return boolGauge(src.IsEnabled(kind))
		}))
	}
	gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "destination_enabled",
		Help:        "1 when the destination is enabled.",
		ConstLabels: prometheus.Labels{"destination": "none"},
	}, func() float64 {
		return boolGauge(len(src.Destinations()) == 0)
	}))
	return gauges
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Emit records an event.
func (m *PrometheusMetrics) Emit(e events.Event) error {
	switch e.Type {
	case events.NoDestinations:
		m.CycleCounter.WithLabelValues("no_destinations").Inc()
	case events.SourceUnavailable:
		m.CycleCounter.WithLabelValues("source_unavailable").Inc()
	case events.DestinationOutcome:
		if e.Outcome == nil {
			return nil
		}
		o := e.Outcome
		m.OutcomeCounter.WithLabelValues(string(o.Kind), string(o.Status), string(o.Reason)).Inc()
		if o.Succeeded() && !e.Time.IsZero() {
			m.LastSuccess.WithLabelValues(string(o.Kind)).Set(float64(e.Time.Unix()))
		}
	case events.CycleSummary:
		if e.Summary == nil {
			return nil
		}
		m.CycleDuration.Observe(e.Summary.Duration.Seconds())
		if e.Summary.Size > 0 {
			m.CycleCounter.WithLabelValues("completed").Inc()
			m.SnapshotSize.Set(float64(e.Summary.Size))
		}
	case events.UpdateCheckResult:
		if e.Update == nil {
			return nil
		}
		for _, c := range updateClassifications {
			m.UpdateStatus.WithLabelValues(c).Set(boolGauge(c == e.Update.Classification))
		}
	}
	return nil
}
