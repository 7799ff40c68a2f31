package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.cue")
	collector.ObserveRender("seg", time.Millisecond, 10)
	collector.IncUpload("memory", nil)
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.cue")

	family := gather(t, reg, "pulselib_config_hot_reload_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.cue")
	requireCounterValue(t, gather(t, reg, "pulselib_config_hot_reload_total"), 2)
}

func TestPrometheusCollectorRecordsRenderAndUpload(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObserveRender("init", 2*time.Millisecond, 70)
	collector.IncClipped("P1", 3)
	collector.IncClipped("P1", 0)
	collector.IncUpload("wav", errors.New("disk full"))
	collector.ObserveFinalize("main", time.Millisecond, nil)

	requireCounterValue(t, gather(t, reg, "pulselib_segment_render_samples_total"), 70)
	requireCounterValue(t, gather(t, reg, "pulselib_clipped_samples_total"), 3)

	uploads := gather(t, reg, "pulselib_upload_total")
	require.Len(t, uploads.Metric, 1)
	labels := map[string]string{}
	for _, l := range uploads.Metric[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	require.Equal(t, map[string]string{"driver": "wav", "result": "error"}, labels)

	finalize := gather(t, reg, "pulselib_sequence_finalize_seconds")
	require.Equal(t, uint64(1), finalize.Metric[0].GetHistogram().GetSampleCount())
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
