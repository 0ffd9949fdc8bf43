package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all batch metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// File outcome counters
	FilesProcessed atomic.Uint64
	FilesSkipped   atomic.Uint64
	FilesFailed    atomic.Uint64
	OutputsWritten atomic.Uint64

	// Focal points that fell back after a capability error
	Degraded atomic.Uint64

	ActiveWorkers atomic.Int64

	focalSources *prometheus.CounterVec
	fileDuration prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		focalSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "focalcrop_focal_points_total",
			Help: "Focal points resolved, by source",
		}, []string{"source"}),
		fileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "focalcrop_file_duration_seconds",
			Help:    "Time to process one source file end to end",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"focalcrop_files_processed_total", "Source files fully rendered", &m.FilesProcessed},
		{"focalcrop_files_skipped_total", "Source files skipped as already processed", &m.FilesSkipped},
		{"focalcrop_files_failed_total", "Source files that failed", &m.FilesFailed},
		{"focalcrop_outputs_written_total", "Output images written", &m.OutputsWritten},
		{"focalcrop_focal_degraded_total", "Focal points that fell back after a detector or saliency error", &m.Degraded},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "focalcrop_active_workers",
			Help: "Workers currently processing a file",
		},
		func() float64 { return float64(m.ActiveWorkers.Load()) },
	))

	m.registry.MustRegister(m.focalSources, m.fileDuration)
}

// ObserveProcessed records a successfully rendered file
func (m *Metrics) ObserveProcessed(source string, outputs int, degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	m.FilesProcessed.Add(1)
	m.OutputsWritten.Add(uint64(outputs))
	if degraded {
		m.Degraded.Add(1)
	}
	m.focalSources.WithLabelValues(source).Inc()
	m.fileDuration.Observe(d.Seconds())
}

// ObserveFailed records a failed file
func (m *Metrics) ObserveFailed(d time.Duration) {
	if m == nil {
		return
	}
	m.FilesFailed.Add(1)
	m.fileDuration.Observe(d.Seconds())
}

// ObserveSkipped records an already processed file
func (m *Metrics) ObserveSkipped() {
	if m == nil {
		return
	}
	m.FilesSkipped.Add(1)
}

// WorkerStarted and WorkerDone track pool occupancy
func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.ActiveWorkers.Add(1)
	}
}

func (m *Metrics) WorkerDone() {
	if m != nil {
		m.ActiveWorkers.Add(-1)
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
