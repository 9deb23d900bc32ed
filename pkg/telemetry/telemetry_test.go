package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"enabled without exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "" }},
		{"bad time format", func(c *Config) { c.Logging.TimeFormat = "iso" }},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMetricsActivation(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveActivation("search", 300*time.Millisecond, nil)
	m.ObserveActivation("search", time.Second, &engine.TimeoutError{Op: "activate", After: time.Second})
	m.ObserveActivation("hetzner", 0, engine.NewActivationError("hetzner", engine.ErrAdmissionDenied))
	m.ObserveAcquire("search")
	m.ObserveAcquire("search")
	m.ObserveActive(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activations.WithLabelValues("search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activations.WithLabelValues("search", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activations.WithLabelValues("hetzner", "denied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.acquires.WithLabelValues("search")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeResources))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("denied")))
}

func TestMetricsTasksAndStore(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTask("document_processing", 50*time.Millisecond, nil)
	m.RecordTask("document_processing", 10*time.Millisecond, errors.New("boom"))
	m.ObserveSweep(4, map[string]int{"swarm_sessions": 2, "knowledge_base": 7})
	m.SetStoreEntries(map[string]int{"knowledge_base": 6})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("document_processing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("document_processing", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sweptRecords))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.storeEntries.WithLabelValues("knowledge_base")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.storeEntries), "reset drops stale namespaces")
}

func TestMetricsCacheCounters(t *testing.T) {
	m := newTestMetrics(t)
	snap := CacheCounters{PersistentHits: 3, Misses: 2, LazyFallbacks: 1}
	require.NoError(t, m.RegisterCacheCounters(func() CacheCounters { return snap }))

	expected := `
# HELP kindle_cache_events_total Tiered cache outcomes
# TYPE kindle_cache_events_total counter
kindle_cache_events_total{outcome="lazy_error"} 0
kindle_cache_events_total{outcome="lazy_fallback"} 1
kindle_cache_events_total{outcome="lazy_promotion"} 0
kindle_cache_events_total{outcome="memory_fallback"} 0
kindle_cache_events_total{outcome="miss"} 2
kindle_cache_events_total{outcome="persistent_error"} 0
kindle_cache_events_total{outcome="persistent_hit"} 3
kindle_cache_events_total{outcome="write_degraded"} 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "kindle_cache_events_total"))

	assert.Error(t, m.RegisterCacheCounters(func() CacheCounters { return snap }), "double registration must fail")
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.ObserveActivation("search", time.Second, nil)
	m.ObserveAcquire("search")
	m.ObserveActive(1)
	m.RecordTask("general", time.Second, nil)
	m.RecordError(errors.New("x"))
	m.ObserveSweep(1, nil)
	assert.NoError(t, m.RegisterCacheCounters(func() CacheCounters { return CacheCounters{} }))
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Serve(ctx, NewNopLogger().Zerolog()))
}

func TestMetricsHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveActive(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kindle_active_resources 2")
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "task.execute")
	require.NotNil(t, op.Span)
	op.End(errors.New("failed"))
	assert.GreaterOrEqual(t, op.Timer.Duration(), time.Duration(0))
}

func TestTelemetryContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))
	assert.Same(t, tel.Logger, FromContext(ctx))
	assert.Nil(t, FromTelemetryContext(context.Background()))

	op := StartOperation(ctx, "task.execute", AttrTaskID.String("t-1"))
	op.End(nil)
	assert.Empty(t, TraceID(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestLoggerFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kindle.log")
	l, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	comp := l.Component("cache")
	comp.Info().Msg("tier opened")
	task := l.ForTask("s-1", "document_processing").Zerolog()
	task.Debug().Msg("task started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "cache", first["component"])
	assert.Equal(t, "s-1", second["session"])
	assert.Equal(t, "document_processing", second["strategy"])
	assert.Equal(t, "debug", second["level"])
}

func TestStartOperationWithTracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = true
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	op := StartOperation(tel.WithContext(context.Background()), "task.execute", AttrTaskID.String("t-2"))
	assert.True(t, op.Span.SpanContext().IsValid())
	assert.NotEmpty(t, TraceID(op.Ctx))
	assert.Same(t, op.Logger, FromContext(op.Ctx))
	op.SetAttributes(AttrStrategy.String("general"))
	op.End(engine.ErrUnknownResource)
}
