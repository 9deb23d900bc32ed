package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a YAML config with the given store section and returns its path.
func writeConfig(t *testing.T, store string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kindle.yaml")
	data := "telemetry:\n  logging:\n    level: error\n  metrics:\n    enabled: false\n" + store
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func memoryConfig(t *testing.T) string {
	return writeConfig(t, "store:\n  driver: memory\n")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClassifyJSON(t *testing.T) {
	out, err := runCLI(t, "classify", "--json", "process important document PDF")
	require.NoError(t, err)

	var c engine.Classification
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, "document_processing", c.Strategy)
	assert.Equal(t, []string{"docProcessor", "cache"}, c.Resources)
}

func TestClassifyTextShowsDefaultRule(t *testing.T) {
	out, err := runCLI(t, "classify", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "strategy:   general")
	assert.Contains(t, out, "rule:       default")
}

func TestRulesAndResourcesTables(t *testing.T) {
	out, err := runCLI(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "document_processing")
	assert.Contains(t, out, "STRATEGY")

	out, err = runCLI(t, "resources")
	require.NoError(t, err)
	assert.Contains(t, out, "docProcessor")
	assert.Contains(t, out, "simulated")
}

func TestValidateConfigFile(t *testing.T) {
	out, err := runCLI(t, "validate", "--config", memoryConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: 9 resources, 9 rules")

	_, err = runCLI(t, "validate", "--config", filepath.Join(t.TempDir(), "kindle.toml"))
	assert.Error(t, err)
}

func TestRunRepeatServesFromCache(t *testing.T) {
	out, err := runCLI(t, "run", "--json", "--repeat", "2", "--config", memoryConfig(t), "process important document PDF")
	require.NoError(t, err)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 2)
	assert.Equal(t, 0, report.Results[0].CacheHits())
	assert.Equal(t, 2, report.Results[1].CacheHits())
	assert.Equal(t, []string{"cache", "docProcessor"}, report.Snapshot.Active)
}

func TestRunRejectsZeroRepeat(t *testing.T) {
	_, err := runCLI(t, "run", "--repeat", "0", "anything")
	assert.ErrorContains(t, err, "--repeat")
}

func TestStoreRoundTripAcrossInvocations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kindle.db")
	cfg := writeConfig(t, "store:\n  driver: sqlite\n  path: "+dbPath+"\n")

	_, err := runCLI(t, "store", "put", "--config", cfg, "knowledge_base", "retry-522", `{"solution":"retry with backoff"}`)
	require.NoError(t, err)

	out, err := runCLI(t, "store", "get", "--config", cfg, "--json", "knowledge_base", "retry-522")
	require.NoError(t, err)
	var rec engine.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.JSONEq(t, `{"solution":"retry with backoff"}`, string(rec.Payload))

	out, err = runCLI(t, "store", "search", "--config", cfg, "knowledge_base", "backoff")
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge_base/retry-522")

	out, err = runCLI(t, "store", "counts", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge_base")

	out, err = runCLI(t, "store", "sweep", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 expired records")

	_, err = runCLI(t, "store", "delete", "--config", cfg, "knowledge_base", "retry-522")
	require.NoError(t, err)

	_, err = runCLI(t, "store", "get", "--config", cfg, "knowledge_base", "retry-522")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCacheSetThenGetAcrossInvocations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kindle.db")
	cfg := writeConfig(t, "store:\n  driver: sqlite\n  path: "+dbPath+"\n")

	out, err := runCLI(t, "cache", "set", "--config", cfg, "greeting", "hello")
	require.NoError(t, err)
	assert.Equal(t, "set greeting\n", out)

	out, err = runCLI(t, "cache", "get", "--config", cfg, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello (from lazy)\n", out)

	_, err = runCLI(t, "cache", "delete", "--config", cfg, "greeting")
	require.NoError(t, err)

	_, err = runCLI(t, "cache", "get", "--config", cfg, "greeting")
	assert.ErrorContains(t, err, `key "greeting" not found`)
}

func TestStoreListDefaultsToSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kindle.db")
	cfg := writeConfig(t, "store:\n  driver: sqlite\n  path: "+dbPath+"\n")

	_, err := runCLI(t, "run", "--config", cfg, "process important document PDF")
	require.NoError(t, err)

	out, err := runCLI(t, "store", "list", "--config", cfg)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "session_"))
}

func TestPoliciesListAndCheck(t *testing.T) {
	cfg := writeConfig(t, "store:\n  driver: memory\nactivation:\n  memory_budget: 30\n  denied: [imageGenerator]\n")

	out, err := runCLI(t, "policies", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "memory-budget")
	assert.Contains(t, out, "denylist")
	assert.Contains(t, out, "builtin")

	out, err = runCLI(t, "policies", "check", "--config", cfg, "--json", "search", "cache", "vectorStore", "imageGenerator")
	require.NoError(t, err)

	var views []admissionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 4)
	assert.True(t, views[0].Decision.Allowed)
	assert.True(t, views[1].Decision.Allowed)
	assert.False(t, views[2].Decision.Allowed, "27 + 18 exceeds the budget of 30")
	assert.False(t, views[3].Decision.Allowed, "denied resource")

	_, err = runCLI(t, "policies", "check", "--config", cfg, "nope")
	assert.ErrorIs(t, err, engine.ErrUnknownResource)
}
