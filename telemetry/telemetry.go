package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted while rendering, finalizing and
// uploading waveforms.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the render path.
type Collector interface {
	ObserveRender(segment string, elapsed time.Duration, samples int)
	IncClipped(channel string, samples int)
	ObserveFinalize(sequence string, elapsed time.Duration, err error)
	IncUpload(driver string, err error)
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveRender(string, time.Duration, int)     {}
func (noopCollector) IncClipped(string, int)                       {}
func (noopCollector) ObserveFinalize(string, time.Duration, error) {}
func (noopCollector) IncUpload(string, error)                      {}
func (noopCollector) IncHotReload(string)                          {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	renderSeconds   *prometheus.HistogramVec
	renderSamples   *prometheus.CounterVec
	clippedSamples  *prometheus.CounterVec
	finalizeSeconds *prometheus.HistogramVec
	uploads         *prometheus.CounterVec
	hotReloads      *prometheus.CounterVec
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		c   PrometheusCollector
		err error
	)
	if c.renderSeconds, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulselib_segment_render_seconds",
		Help:    "Time spent rendering a segment to channel buffers.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"segment"})); err != nil {
		return nil, err
	}
	if c.renderSamples, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselib_segment_render_samples_total",
		Help: "Number of samples produced per rendered segment.",
	}, []string{"segment"})); err != nil {
		return nil, err
	}
	if c.clippedSamples, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselib_clipped_samples_total",
		Help: "Number of samples clamped to the output range of a channel.",
	}, []string{"channel"})); err != nil {
		return nil, err
	}
	if c.finalizeSeconds, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulselib_sequence_finalize_seconds",
		Help:    "Time spent finalizing a sequence into a program.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"sequence", "result"})); err != nil {
		return nil, err
	}
	if c.uploads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselib_upload_total",
		Help: "Number of program uploads per driver and result.",
	}, []string{"driver", "result"})); err != nil {
		return nil, err
	}
	if c.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselib_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	return &c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRender records the duration and size of a segment render.
func (p *PrometheusCollector) ObserveRender(segment string, elapsed time.Duration, samples int) {
	if p == nil {
		return
	}
	p.renderSeconds.WithLabelValues(segment).Observe(elapsed.Seconds())
	p.renderSamples.WithLabelValues(segment).Add(float64(samples))
}

// IncClipped records clamped samples for a channel.
func (p *PrometheusCollector) IncClipped(channel string, samples int) {
	if p == nil || samples <= 0 {
		return
	}
	p.clippedSamples.WithLabelValues(channel).Add(float64(samples))
}

// ObserveFinalize records a finalize attempt.
func (p *PrometheusCollector) ObserveFinalize(sequence string, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	p.finalizeSeconds.WithLabelValues(sequence, result(err)).Observe(elapsed.Seconds())
}

// IncUpload counts an upload attempt.
func (p *PrometheusCollector) IncUpload(driver string, err error) {
	if p == nil {
		return
	}
	p.uploads.WithLabelValues(driver, result(err)).Inc()
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}
