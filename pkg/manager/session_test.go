package manager

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadSession(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	err := f.manager.SaveSession(ctx, Session{
		ID:             "abc",
		TasksCompleted: 3,
		Learnings:      []string{"prefer cached search"},
		SuccessRate:    0.66,
		Data:           map[string]interface{}{"agents": float64(2)},
	}, time.Hour)
	require.NoError(t, err)

	s, err := f.manager.LoadSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, s.TasksCompleted)
	assert.Equal(t, []string{"prefer cached search"}, s.Learnings)
	assert.Equal(t, float64(2), s.Data["agents"])
	assert.False(t, s.Timestamp.IsZero())

	_, err = f.manager.LoadSession(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	assert.Error(t, f.manager.SaveSession(ctx, Session{}, 0))
}

func TestAgentLearningsNewestFirst(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, category := range []string{"search", "deploy", "search"} {
		require.NoError(t, f.manager.SaveLearning(ctx, Learning{
			Agent:      "coder",
			Category:   category,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Confidence: 0.8,
		}))
	}
	require.NoError(t, f.manager.SaveLearning(ctx, Learning{Agent: "coder_two", Timestamp: base.Add(time.Hour)}))

	learnings, err := f.manager.AgentLearnings(ctx, "coder", 2)
	require.NoError(t, err)
	require.Len(t, learnings, 2)
	assert.Equal(t, base.Add(2*time.Minute), learnings[0].Timestamp)
	assert.Equal(t, base.Add(time.Minute), learnings[1].Timestamp)
	assert.Equal(t, "deploy", learnings[1].Category)
	assert.Equal(t, "experience", learnings[1].Type)

	all, err := f.manager.AgentLearnings(ctx, "coder", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	other, err := f.manager.AgentLearnings(ctx, "coder_two", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "general", other[0].Category)

	none, err := f.manager.AgentLearnings(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Error(t, f.manager.SaveLearning(ctx, Learning{}))
}

func TestSearchKnowledge(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.SaveKnowledge(ctx, Knowledge{
		Key:        "retry-522",
		Confidence: 0.95,
		Domains:    []string{"cloudflare"},
		Data:       map[string]interface{}{"solution": "retry with backoff"},
	}))
	require.NoError(t, f.manager.SaveKnowledge(ctx, Knowledge{
		Key:  "pdf-tables",
		Data: map[string]interface{}{"solution": "use OCR for scanned pages"},
	}))

	found, err := f.manager.SearchKnowledge(ctx, "backoff", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "retry-522", found[0].Key)
	assert.Equal(t, "general", found[0].Category)

	found, err = f.manager.SearchKnowledge(ctx, "pdf", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "pdf-tables", found[0].Key)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[stores.NamespaceKnowledge])

	assert.Error(t, f.manager.SaveKnowledge(ctx, Knowledge{}))
}
