package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/activation"
	"github.com/openfroyo/kindle/pkg/cache"
	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/openfroyo/kindle/pkg/config"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/providers"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const documentTask = "process important document PDF"

type fixture struct {
	manager *Manager
	store   *stores.MemoryStore
}

// newFixture builds a manager over the default catalog with zero activation
// latency. mutate may adjust descriptors before the catalog is built.
func newFixture(t *testing.T, opts Options, mutate func(*engine.ResourceDescriptor)) *fixture {
	t.Helper()

	descs := config.DefaultResources()
	for i := range descs {
		descs[i].ActivationLatency = 0
		if mutate != nil {
			mutate(&descs[i])
		}
	}
	catalog, err := activation.NewCatalog(descs...)
	require.NoError(t, err)

	registry := activation.NewRegistry()
	require.NoError(t, providers.RegisterBuiltins(registry, time.Second, zerolog.Nop()))
	ctrl := activation.NewController(catalog, registry, activation.Options{
		ActivationTimeout: 5 * time.Second,
		Logger:            zerolog.Nop(),
	})

	store := stores.NewMemoryStore(stores.Config{})
	lazy := stores.NewNamespaceBackend(store, stores.NamespacePerformance, nil)
	tiered := cache.New(nil, lazy, nil, cache.Options{Logger: zerolog.Nop()})

	opts.Logger = zerolog.Nop()
	m, err := New(classifier.NewDefault(), ctrl, tiered, store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return &fixture{manager: m, store: store}
}

func TestExecuteDocumentScenario(t *testing.T) {
	f := newFixture(t, Options{NewID: func() string { return "s-1" }}, nil)
	ctx := context.Background()

	result, err := f.manager.Execute(ctx, documentTask)
	require.NoError(t, err)

	assert.Equal(t, "s-1", result.SessionID)
	assert.Equal(t, "document_processing", result.Classification.Strategy)
	assert.Equal(t, []string{"docProcessor", "cache"}, result.Classification.Resources)
	assert.False(t, result.Degraded)

	require.Len(t, result.Outputs, 2)
	assert.Equal(t, "docProcessor", result.Outputs[0].Resource)
	assert.Equal(t, "document_parsing", result.Outputs[0].Operation)
	assert.Equal(t, "cache", result.Outputs[1].Resource)
	assert.Equal(t, "key_value", result.Outputs[1].Operation)
	for _, out := range result.Outputs {
		assert.False(t, out.Cached)
		assert.Equal(t, engine.TierNone, out.Tier)

		var doc providers.SimulatedResult
		require.NoError(t, json.Unmarshal(out.Result, &doc))
		assert.Equal(t, out.Resource, doc.Resource)
		assert.Equal(t, out.Operation, doc.Operation)
	}

	session, err := f.manager.LoadSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, documentTask, session.Task)
	assert.Equal(t, "document_processing", session.Strategy)
	assert.Equal(t, []string{"docProcessor", "cache"}, session.Resources)
	assert.Equal(t, 1, session.TasksCompleted)
	assert.Equal(t, 1.0, session.SuccessRate)

	rec, err := f.store.Get(ctx, stores.NamespacePerformance, PerformanceKey(TaskDigest(documentTask)))
	require.NoError(t, err)
	var perf Performance
	require.NoError(t, json.Unmarshal(rec.Payload, &perf))
	assert.True(t, perf.Success)
	assert.Equal(t, 2, perf.Resources)
}

func TestExecuteServesRepeatFromCache(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	first, err := f.manager.Execute(ctx, documentTask)
	require.NoError(t, err)
	second, err := f.manager.Execute(ctx, documentTask)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 0, first.CacheHits())
	assert.Equal(t, 2, second.CacheHits())
	for i, out := range second.Outputs {
		assert.True(t, out.Cached)
		assert.Equal(t, engine.TierMemory, out.Tier)
		assert.JSONEq(t, string(first.Outputs[i].Result), string(out.Result))
	}

	stats := f.manager.Cache().Stats()
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(2), stats.MemoryFallbacks)
	assert.Equal(t, uint64(2), stats.Sets)

	h, ok := f.manager.Controller().Handle("docProcessor")
	require.True(t, ok)
	assert.Equal(t, engine.HandleActive, h.State)
	assert.Equal(t, uint64(2), h.InvocationCount)
}

func TestExecuteDifferentTasksUseDifferentKeys(t *testing.T) {
	assert.NotEqual(t, TaskDigest("process document"), TaskDigest(documentTask))
	assert.Len(t, TaskDigest(documentTask), 16)
	assert.Equal(t, "cache:"+TaskDigest(documentTask), CacheKey("cache", TaskDigest(documentTask)))
}

func failDocProcessor(d *engine.ResourceDescriptor) {
	if d.ID == "docProcessor" {
		d.Config = map[string]interface{}{"fail_activation": "parser unavailable"}
	}
}

func TestExecuteActivationFailure(t *testing.T) {
	f := newFixture(t, Options{}, failDocProcessor)

	_, err := f.manager.Execute(context.Background(), documentTask)
	require.Error(t, err)
	assert.True(t, engine.IsActivationError(err))
	assert.Contains(t, err.Error(), "parser unavailable")
}

func TestExecuteDegradesOnFailure(t *testing.T) {
	f := newFixture(t, Options{DegradeOnFailure: true, NewID: func() string { return "s-degraded" }}, failDocProcessor)
	ctx := context.Background()

	result, err := f.manager.Execute(ctx, documentTask)
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Contains(t, result.ActivationError, "parser unavailable")
	assert.Equal(t, classifier.DefaultStrategy, result.Classification.Strategy)
	assert.Empty(t, result.Classification.Resources)
	assert.Equal(t, -1, result.Classification.Rule)
	assert.Empty(t, result.Outputs)

	session, err := f.manager.LoadSession(ctx, "s-degraded")
	require.NoError(t, err)
	assert.True(t, session.Degraded)
	assert.Equal(t, 0.0, session.SuccessRate)
	require.Len(t, session.Errors, 1)
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t, Options{DegradeOnFailure: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Execute(ctx, documentTask)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetClassifier(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.manager.SetClassifier(classifier.New([]classifier.Rule{
		{Keywords: []string{"pdf"}, Confidence: 0.7, Strategy: "lookup", Resources: []string{"search"}},
	}, classifier.DefaultRule()))

	result, err := f.manager.Execute(context.Background(), documentTask)
	require.NoError(t, err)
	assert.Equal(t, "lookup", result.Classification.Strategy)
	assert.Equal(t, []string{"search"}, result.Classification.Resources)

	f.manager.SetClassifier(nil)
	assert.Equal(t, "lookup", f.manager.Classify("pdf").Strategy)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	tel, err := telemetry.NewTelemetry(func() *telemetry.Config {
		cfg := telemetry.DefaultConfig()
		cfg.Logging.Level = "error"
		return cfg
	}())
	require.NoError(t, err)

	f := newFixture(t, Options{Telemetry: tel}, nil)
	_, err = f.manager.Execute(context.Background(), documentTask)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(tel.Metrics.Registry(), "kindle_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	_, err := f.manager.Execute(ctx, documentTask)
	require.NoError(t, err)

	snap, err := f.manager.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "docProcessor"}, snap.Active)
	assert.Equal(t, 27, snap.ActiveWeight)
	assert.Equal(t, 1, snap.Namespaces[stores.NamespaceSessions])
	// One performance record plus both outputs written behind to the lazy tier.
	assert.Equal(t, 3, snap.Namespaces[stores.NamespacePerformance])
	assert.Equal(t, uint64(2), snap.Cache.Misses)
	assert.Len(t, snap.Handles, 2)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Options{})
	assert.ErrorContains(t, err, "classifier is required")
}
