package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for plugin calls, reconcile operations
// and state commits. A disabled configuration yields a no-op instance.
type Metrics struct {
	config MetricsConfig

	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec

	stateCommits prometheus.Counter
	stateSerial  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin calls",
			},
			[]string{"plugin", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of plugin errors",
			},
			[]string{"plugin", "operation"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of reconcile operations dispatched",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of reconcile operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of failed reconcile operations",
			},
			[]string{"operation"},
		),

		stateCommits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_commits_total",
				Help:      "Total number of successful state commits",
			},
		),
		stateSerial: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state_serial",
				Help:      "Serial of the last committed state document",
			},
		),
	}

	registry.MustRegister(
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.operations,
		m.operationDuration,
		m.operationErrors,
		m.stateCommits,
		m.stateSerial,
	)

	return m, nil
}

// RecordPluginCall records a plugin call with its duration.
func (m *Metrics) RecordPluginCall(plugin, operation string, duration time.Duration) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	m.pluginDuration.WithLabelValues(plugin, operation).Observe(duration.Seconds())
}

// RecordPluginError records a plugin error.
func (m *Metrics) RecordPluginError(plugin, operation string) {
	if m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(plugin, operation).Inc()
}

// RecordOperation records a dispatched reconcile operation.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOperationError records a failed reconcile operation.
func (m *Metrics) RecordOperationError(operation string) {
	if m.operationErrors == nil {
		return
	}
	m.operationErrors.WithLabelValues(operation).Inc()
}

// RecordCommit records a successful state commit.
func (m *Metrics) RecordCommit(serial uint64) {
	if m.stateCommits == nil {
		return
	}
	m.stateCommits.Inc()
	m.stateSerial.Set(float64(serial))
}

// Registry exposes the underlying registry for gathering in tests or for a
// push-style exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
