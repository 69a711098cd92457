package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for synchronization cycles.
// Every recorder is a no-op on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec

	// Artifact metrics
	artifactOperations *prometheus.CounterVec
	classifications    *prometheus.CounterVec
	managedArtifacts   *prometheus.GaugeVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeCycles prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of synchronization cycles started",
			},
			[]string{"group"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of synchronization cycles completed by status",
			},
			[]string{"group", "status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of synchronization cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"group"},
		),
		artifactOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_operations_total",
				Help:      "Total number of target operations by kind, operation and status",
			},
			[]string{"kind", "operation", "status"},
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_classifications_total",
				Help:      "Total number of artifact classifications by kind",
			},
			[]string{"kind", "classification"},
		),
		managedArtifacts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "managed_artifacts",
				Help:      "Number of artifacts currently recorded as synchronized",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of synchronization errors by code",
			},
			[]string{"code"},
		),
		activeCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_cycles",
				Help:      "Number of synchronization cycles currently running",
			},
		),
	}

	registry.MustRegister(
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.artifactOperations,
		m.classifications,
		m.managedArtifacts,
		m.errorsByCode,
		m.activeCycles,
	)

	return m, nil
}

// RecordCycleStarted increments the started counter and the active gauge.
func (m *Metrics) RecordCycleStarted(group string) {
	if m == nil || m.cyclesStarted == nil {
		return
	}
	m.cyclesStarted.WithLabelValues(group).Inc()
	m.activeCycles.Inc()
}

// RecordCycleCompleted records a finished cycle with its status and duration.
func (m *Metrics) RecordCycleCompleted(group, status string, duration time.Duration) {
	if m == nil || m.cyclesCompleted == nil {
		return
	}
	m.cyclesCompleted.WithLabelValues(group, status).Inc()
	m.cycleDuration.WithLabelValues(group).Observe(duration.Seconds())
	m.activeCycles.Dec()
}

// RecordOperation records one target operation.
func (m *Metrics) RecordOperation(kind, operation, status string) {
	if m == nil || m.artifactOperations == nil {
		return
	}
	m.artifactOperations.WithLabelValues(kind, operation, status).Inc()
}

// RecordClassification records the diff result of one artifact.
func (m *Metrics) RecordClassification(kind, classification string) {
	if m == nil || m.classifications == nil {
		return
	}
	m.classifications.WithLabelValues(kind, classification).Inc()
}

// SetManagedArtifacts sets the number of synchronized artifacts of a kind.
func (m *Metrics) SetManagedArtifacts(kind string, count float64) {
	if m == nil || m.managedArtifacts == nil {
		return
	}
	m.managedArtifacts.WithLabelValues(kind).Set(count)
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the registry the metrics are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns nil
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
