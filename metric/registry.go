package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/statesync/errors"
)

// MetricsRegistrar defines the interface for registering manager-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(managerName, metricName string, counter prometheus.Counter) error
	RegisterGauge(managerName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(managerName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(managerName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(managerName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(managerName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(managerName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core pipeline metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Add Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core pipeline metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under manager.metric after duplicate checks.
func (r *MetricsRegistry) register(managerName, metricName, kind string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", managerName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.Wrap(
			fmt.Errorf("metric %s already registered for manager %s", metricName, managerName),
			"MetricsRegistry", kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.Wrap(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.Wrap(err, "MetricsRegistry", kind, "prometheus registration")
	}

	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a manager
func (r *MetricsRegistry) RegisterCounter(managerName, metricName string, counter prometheus.Counter) error {
	return r.register(managerName, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a manager
func (r *MetricsRegistry) RegisterGauge(managerName, metricName string, gauge prometheus.Gauge) error {
	return r.register(managerName, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a manager
func (r *MetricsRegistry) RegisterHistogram(managerName, metricName string, histogram prometheus.Histogram) error {
	return r.register(managerName, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a labeled counter metric for a manager
func (r *MetricsRegistry) RegisterCounterVec(managerName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(managerName, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a labeled gauge metric for a manager
func (r *MetricsRegistry) RegisterGaugeVec(managerName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(managerName, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a labeled histogram metric for a manager
func (r *MetricsRegistry) RegisterHistogramVec(managerName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(managerName, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a metric. Returns true when the metric existed.
func (r *MetricsRegistry) Unregister(managerName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", managerName, metricName)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	r.prometheusRegistry.Unregister(c)
	delete(r.registeredMetrics, key)
	return true
}

// registerCoreMetrics registers the pipeline metrics with Prometheus
func (r *MetricsRegistry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.PendingOperations,
		r.Metrics.OperationsAdded,
		r.Metrics.OperationsMerged,
		r.Metrics.OperationsDeduplicated,
		r.Metrics.BatchesFlushed,
		r.Metrics.FlushDuration,
		r.Metrics.UpdateRetries,
		r.Metrics.Rollbacks,
		r.Metrics.TransactionsTotal,
		r.Metrics.RecoveryTasks,
	)
}
