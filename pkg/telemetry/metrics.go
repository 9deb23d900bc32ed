package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// CacheCounters is the cache outcome snapshot exported as counters.
type CacheCounters struct {
	PersistentHits   uint64
	LazyFallbacks    uint64
	MemoryFallbacks  uint64
	Misses           uint64
	PersistentErrors uint64
	LazyErrors       uint64
	WriteDegraded    uint64
	Promotions       uint64
}

// Metrics provides Prometheus metrics for kindle. A Metrics built with metrics
// disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Activation metrics
	activations        *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec
	acquires           *prometheus.CounterVec
	activeResources    prometheus.Gauge

	// Task metrics
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Store metrics
	storeEntries *prometheus.GaugeVec
	sweptRecords prometheus.Counter

	errorsByClass *prometheus.CounterVec
	events        *prometheus.CounterVec

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

		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Total number of activation attempts",
			},
			[]string{"resource", "status"},
		),
		activationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activation_duration_seconds",
				Help:      "Duration of resource activation in seconds",
				Buckets:   buckets,
			},
			[]string{"resource"},
		),
		acquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acquires_total",
				Help:      "Total number of successful handle acquisitions",
			},
			[]string{"resource"},
		),
		activeResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_resources",
				Help:      "Current number of active resources",
			},
		),

		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of executed tasks",
			},
			[]string{"strategy", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),

		storeEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_entries",
				Help:      "Live records per namespace",
			},
			[]string{"namespace"},
		),
		sweptRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_swept_records_total",
				Help:      "Total number of expired records removed by the sweeper",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of published events by type and level",
			},
			[]string{"type", "level"},
		),
	}

	registry.MustRegister(
		m.activations,
		m.activationDuration,
		m.acquires,
		m.activeResources,
		m.tasks,
		m.taskDuration,
		m.storeEntries,
		m.sweptRecords,
		m.errorsByClass,
		m.events,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveActivation records the outcome of one activation attempt.
func (m *Metrics) ObserveActivation(resourceID string, d time.Duration, err error) {
	if m.activations == nil {
		return
	}
	status := "success"
	if err != nil {
		status = string(engine.ClassOf(err))
		m.errorsByClass.WithLabelValues(status).Inc()
	}
	m.activations.WithLabelValues(resourceID, status).Inc()
	m.activationDuration.WithLabelValues(resourceID).Observe(d.Seconds())
}

// ObserveAcquire counts a successful acquisition.
func (m *Metrics) ObserveAcquire(resourceID string) {
	if m.acquires == nil {
		return
	}
	m.acquires.WithLabelValues(resourceID).Inc()
}

// ObserveActive sets the number of active resources.
func (m *Metrics) ObserveActive(n int) {
	if m.activeResources == nil {
		return
	}
	m.activeResources.Set(float64(n))
}

// RecordTask records a completed task execution.
func (m *Metrics) RecordTask(strategy string, duration time.Duration, err error) {
	if m.tasks == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
		m.errorsByClass.WithLabelValues(string(engine.ClassOf(err))).Inc()
	}
	m.tasks.WithLabelValues(strategy, status).Inc()
	m.taskDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordError increments the counter for an error's class.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	m.errorsByClass.WithLabelValues(string(engine.ClassOf(err))).Inc()
}

// CountEvent counts a published event. It has the EventSubscriber signature.
func (m *Metrics) CountEvent(event Event) {
	if m.events == nil {
		return
	}
	m.events.WithLabelValues(event.Type, event.Level).Inc()
}

// ObserveSweep records a sweep result and the live record counts.
func (m *Metrics) ObserveSweep(removed int64, counts map[string]int) {
	if m.storeEntries == nil {
		return
	}
	m.sweptRecords.Add(float64(removed))
	m.SetStoreEntries(counts)
}

// SetStoreEntries replaces the per-namespace record gauges.
func (m *Metrics) SetStoreEntries(counts map[string]int) {
	if m.storeEntries == nil {
		return
	}
	m.storeEntries.Reset()
	for ns, n := range counts {
		m.storeEntries.WithLabelValues(ns).Set(float64(n))
	}
}

// RegisterCacheCounters exports the cache outcome counters read from stats on
// every scrape.
func (m *Metrics) RegisterCacheCounters(stats func() CacheCounters) error {
	if m.registry == nil {
		return nil
	}

	outcomes := map[string]func(CacheCounters) uint64{
		"persistent_hit":   func(c CacheCounters) uint64 { return c.PersistentHits },
		"lazy_fallback":    func(c CacheCounters) uint64 { return c.LazyFallbacks },
		"memory_fallback":  func(c CacheCounters) uint64 { return c.MemoryFallbacks },
		"miss":             func(c CacheCounters) uint64 { return c.Misses },
		"persistent_error": func(c CacheCounters) uint64 { return c.PersistentErrors },
		"lazy_error":       func(c CacheCounters) uint64 { return c.LazyErrors },
		"write_degraded":   func(c CacheCounters) uint64 { return c.WriteDegraded },
		"lazy_promotion":   func(c CacheCounters) uint64 { return c.Promotions },
	}
	for outcome, get := range outcomes {
		counter := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace:   m.config.Namespace,
				Name:        "cache_events_total",
				Help:        "Tiered cache outcomes",
				ConstLabels: prometheus.Labels{"outcome": outcome},
			},
			func() float64 { return float64(get(stats())) },
		)
		if err := m.registry.Register(counter); err != nil {
			return err
		}
	}
	return nil
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics over HTTP until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		<-ctx.Done()
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", path).Msg("Metrics server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
