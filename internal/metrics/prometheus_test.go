package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivebackup/internal/config"
	"drivebackup/internal/events"
)

type stubSource struct {
	enabled []config.DestinationKind
}

func (s *stubSource) IsEnabled(kind config.DestinationKind) bool {
	for _, k := range s.enabled {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *stubSource) Destinations() []config.DestinationKind { return s.enabled }

func getCounterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.WithLabelValues(labels...).(prometheus.Metric).Write(&m))
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.(prometheus.Metric).Write(&m))
	return m.GetGauge().GetValue()
}

// enabledValues gathers destination_enabled keyed by the destination label.
func enabledValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "drivebackup_destination_enabled" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "destination" {
					out[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	return out
}

func TestNewPrometheusMetrics(t *testing.T) {
	t.Run("registers all metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg, &stubSource{})
		require.NoError(t, err)
		assert.NotNil(t, m.OutcomeCounter)
		assert.NotNil(t, m.CycleCounter)
		assert.NotNil(t, m.CycleDuration)
		assert.NotNil(t, m.SnapshotSize)
		assert.NotNil(t, m.LastSuccess)
		assert.NotNil(t, m.UpdateStatus)
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheusMetrics(reg, nil)
		require.NoError(t, err)
		_, err = NewPrometheusMetrics(reg, nil)
		assert.Error(t, err)
	})
}

func TestEnabledGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &stubSource{}
	_, err := NewPrometheusMetrics(reg, src)
	require.NoError(t, err)

	got := enabledValues(t, reg)
	assert.Len(t, got, len(config.Kinds)+1)
	assert.Equal(t, 1.0, got["none"])
	for _, kind := range config.Kinds {
		v, ok := got[string(kind)]
		require.True(t, ok, kind)
		assert.Equal(t, 0.0, v, kind)
	}

	src.enabled = []config.DestinationKind{config.KindObjectStorage, config.KindGoogleDrive, config.KindLocal}
	got = enabledValues(t, reg)
	assert.Equal(t, 0.0, got["none"])
	assert.Equal(t, 1.0, got[string(config.KindGoogleDrive)])
	assert.Equal(t, 1.0, got[string(config.KindObjectStorage)])
	assert.Equal(t, 1.0, got[string(config.KindLocal)])
	assert.Equal(t, 0.0, got[string(config.KindFileSync)])
}

func TestEmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg, nil)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	emit := func(e events.Event) { require.NoError(t, m.Emit(e)) }

	emit(events.Event{Type: events.DestinationOutcome, Time: now, Outcome: &events.Outcome{
		Kind: config.KindObjectStorage, Status: events.StatusSuccess,
	}})
	emit(events.Event{Type: events.DestinationOutcome, Time: now, Outcome: &events.Outcome{
		Kind: config.KindFileTransfer, Status: events.StatusFailure, Reason: events.ReasonTimeout,
	}})
	emit(events.Event{Type: events.CycleSummary, Summary: &events.Summary{Duration: 3 * time.Second, Size: 2048}})
	emit(events.Event{Type: events.SourceUnavailable})
	emit(events.Event{Type: events.NoDestinations})

	t.Run("outcomes", func(t *testing.T) {
		assert.Equal(t, 1.0, getCounterValue(t, m.OutcomeCounter, "s3", "success", ""))
		assert.Equal(t, 1.0, getCounterValue(t, m.OutcomeCounter, "ftp", "failure", "timeout"))
	})

	t.Run("last success", func(t *testing.T) {
		assert.Equal(t, float64(now.Unix()), getGaugeValue(t, m.LastSuccess.WithLabelValues("s3")))
		assert.Equal(t, 0.0, getGaugeValue(t, m.LastSuccess.WithLabelValues("ftp")))
	})

	t.Run("cycles", func(t *testing.T) {
		assert.Equal(t, 1.0, getCounterValue(t, m.CycleCounter, "completed"))
		assert.Equal(t, 1.0, getCounterValue(t, m.CycleCounter, "source_unavailable"))
		assert.Equal(t, 1.0, getCounterValue(t, m.CycleCounter, "no_destinations"))
		assert.Equal(t, 2048.0, getGaugeValue(t, m.SnapshotSize))
	})

	t.Run("cycle duration", func(t *testing.T) {
		var metric dto.Metric
		require.NoError(t, m.CycleDuration.(prometheus.Metric).Write(&metric))
		assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
		assert.Equal(t, 3.0, metric.GetHistogram().GetSampleSum())
	})
}

func TestEmit_UpdateStatus(t *testing.T) {
	m, err := NewPrometheusMetrics(prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	require.NoError(t, m.Emit(events.Event{Type: events.UpdateCheckResult, Update: &events.UpdateCheck{Classification: "outdated"}}))
	assert.Equal(t, 1.0, getGaugeValue(t, m.UpdateStatus.WithLabelValues("outdated")))
	assert.Equal(t, 0.0, getGaugeValue(t, m.UpdateStatus.WithLabelValues("up-to-date")))

	require.NoError(t, m.Emit(events.Event{Type: events.UpdateCheckResult, Update: &events.UpdateCheck{Classification: "up-to-date"}}))
	assert.Equal(t, 0.0, getGaugeValue(t, m.UpdateStatus.WithLabelValues("outdated")))
	assert.Equal(t, 1.0, getGaugeValue(t, m.UpdateStatus.WithLabelValues("up-to-date")))
}

func TestEmit_IgnoresIncompleteEvents(t *testing.T) {
	m, err := NewPrometheusMetrics(prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	assert.NoError(t, m.Emit(events.Event{Type: events.DestinationOutcome}))
	assert.NoError(t, m.Emit(events.Event{Type: events.CycleSummary}))
	assert.NoError(t, m.Emit(events.Event{Type: events.UpdateCheckResult}))
	assert.NoError(t, m.Emit(events.Event{Type: events.CycleStarted}))
}
