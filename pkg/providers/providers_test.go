package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/activation"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedActivateAndInvoke(t *testing.T) {
	p, err := NewSimulated(engine.ResourceDescriptor{
		ID:                 "docProcessor",
		CapabilityKeywords: []string{"pdf", "ocr"},
		ActivationLatency:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Invoke(ctx, "process", nil)
	assert.ErrorIs(t, err, ErrNotActive)

	start := time.Now()
	require.NoError(t, p.Activate(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	out1, err := p.Invoke(ctx, "process", json.RawMessage(`{"task":"process important document PDF"}`))
	require.NoError(t, err)
	out2, err := p.Invoke(ctx, "process", json.RawMessage(`{"task":"process important document PDF"}`))
	require.NoError(t, err)
	assert.JSONEq(t, string(out1), string(out2), "invoke must be deterministic")

	var res SimulatedResult
	require.NoError(t, json.Unmarshal(out1, &res))
	assert.Equal(t, "docProcessor", res.Resource)
	assert.Equal(t, "process", res.Operation)
	assert.Equal(t, []string{"pdf", "ocr"}, res.Capabilities)
	assert.Len(t, res.InputDigest, 16)

	require.NoError(t, p.Close(ctx))
	_, err = p.Invoke(ctx, "process", nil)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSimulatedActivateHonoursCancellation(t *testing.T) {
	p, _ := NewSimulated(engine.ResourceDescriptor{ID: "serverProvisioner", ActivationLatency: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Activate(ctx), context.DeadlineExceeded)
}

func TestSimulatedConfiguredFailure(t *testing.T) {
	p, _ := NewSimulated(engine.ResourceDescriptor{
		ID:     "imageGenerator",
		Config: map[string]interface{}{"fail_activation": "quota exhausted"},
	})
	err := p.Activate(context.Background())
	require.Error(t, err)
	assert.Equal(t, "quota exhausted", err.Error())
}

const summarizer = `
capabilities = ["summarize", "count"]
greeting = config.get("greeting", "hi")

def activate():
    if config.get("broken"):
        fail("misconfigured")

def invoke(op, input):
    if op == "count":
        return {"words": len(input["text"].split())}
    pairs = [(i, w) for i, w in enumerate(input["text"].split())]
    return struct(op = op, greeting = greeting, first = pairs[0][1], n = input["n"] + 1)
`

func newScript(t *testing.T, script string, cfg map[string]interface{}, timeout time.Duration) engine.Provider {
	t.Helper()
	p, err := ScriptFactory(timeout, zerolog.Nop())(engine.ResourceDescriptor{
		ID:     "summarizer",
		Kind:   KindScript,
		Script: script,
		Config: cfg,
	})
	require.NoError(t, err)
	return p
}

func TestScriptInvoke(t *testing.T) {
	p := newScript(t, summarizer, map[string]interface{}{"greeting": "hello"}, 0)
	ctx := context.Background()
	require.NoError(t, p.Activate(ctx))
	assert.Equal(t, []string{"summarize", "count"}, p.Capabilities())

	out, err := p.Invoke(ctx, "count", json.RawMessage(`{"text":"process important document PDF"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"words":4}`, string(out))

	out, err = p.Invoke(ctx, "summarize", json.RawMessage(`{"text":"alpha beta","n":41}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"summarize","greeting":"hello","first":"alpha","n":42}`, string(out))
}

func TestScriptActivateFailure(t *testing.T) {
	p := newScript(t, summarizer, map[string]interface{}{"broken": true}, 0)
	err := p.Activate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misconfigured")
}

func TestScriptWithoutInvoke(t *testing.T) {
	p := newScript(t, "x = 1\n", nil, 0)
	assert.Error(t, p.Activate(context.Background()))
}

func TestScriptFactoryRejectsEmptyScript(t *testing.T) {
	_, err := ScriptFactory(0, zerolog.Nop())(engine.ResourceDescriptor{ID: "empty", Kind: KindScript})
	assert.Error(t, err)
}

func TestScriptInvokeTimeout(t *testing.T) {
	p := newScript(t, `
def invoke(op, input):
    n = 0
    for i in range(10000):
        for j in range(10000):
            n += 1
    return n
`, nil, 20*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, p.Activate(ctx))

	_, err := p.Invoke(ctx, "spin", nil)
	require.Error(t, err)
	assert.True(t, engine.IsTimeout(err), "got %v", err)
}

func TestScriptInvalidInput(t *testing.T) {
	p := newScript(t, summarizer, nil, 0)
	require.NoError(t, p.Activate(context.Background()))

	_, err := p.Invoke(context.Background(), "count", json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := activation.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, time.Second, zerolog.Nop()))
	assert.Equal(t, []string{KindScript, KindSimulated}, reg.Kinds())

	err := RegisterBuiltins(reg, time.Second, zerolog.Nop())
	assert.Error(t, err, "registering twice must fail")
	assert.False(t, errors.Is(err, engine.ErrUnknownKind))
}
