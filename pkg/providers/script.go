package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single script invocation.
const DefaultScriptTimeout = 30 * time.Second

// Script is a provider whose behaviour is a Starlark module. The module must
// define invoke(op, input) and may define activate() and a capabilities list.
// The descriptor's config is visible to the module as the global config.
//
//	capabilities = ["summarize"]
//
//	def invoke(op, input):
//	    return {"op": op, "words": len(input["text"].split())}
type Script struct {
	desc    engine.ResourceDescriptor
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	globals starlark.StringDict
	invoke  starlark.Callable
	caps    []string
}

// ScriptFactory returns an engine.Factory that builds Script providers with
// the given per-call timeout.
func ScriptFactory(timeout time.Duration, logger zerolog.Logger) engine.Factory {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return func(desc engine.ResourceDescriptor) (engine.Provider, error) {
		if desc.Script == "" {
			return nil, fmt.Errorf("resource %s: script is empty", desc.ID)
		}
		return &Script{
			desc:    desc,
			timeout: timeout,
			logger:  logger.With().Str("resource", desc.ID).Logger(),
		}, nil
	}
}

// Activate executes the module, then calls activate() if it is defined.
func (s *Script) Activate(ctx context.Context) error {
	config, err := toStarlarkValue(s.desc.Config)
	if err != nil {
		return fmt.Errorf("failed to convert config: %w", err)
	}
	predeclared := builtins()
	predeclared["config"] = config

	var globals starlark.StringDict
	err = s.run(ctx, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, s.desc.ID+".star", s.desc.Script, predeclared)
		if err != nil {
			return err
		}
		if fn, ok := globals["activate"].(starlark.Callable); ok {
			_, err = starlark.Call(thread, fn, nil, nil)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("starlark activation failed: %w", err)
	}

	fn, ok := globals["invoke"].(starlark.Callable)
	if !ok {
		return fmt.Errorf("script %s does not define invoke(op, input)", s.desc.ID)
	}

	caps := append([]string(nil), s.desc.CapabilityKeywords...)
	if list, ok := globals["capabilities"].(*starlark.List); ok {
		caps = caps[:0]
		for i := 0; i < list.Len(); i++ {
			if str, ok := starlark.AsString(list.Index(i)); ok {
				caps = append(caps, str)
			}
		}
	}

	globals.Freeze()
	s.mu.Lock()
	s.globals = globals
	s.invoke = fn
	s.caps = caps
	s.mu.Unlock()
	return nil
}

// Invoke calls invoke(op, input) with input decoded from JSON and returns the
// result encoded as JSON.
func (s *Script) Invoke(ctx context.Context, op string, input json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	fn := s.invoke
	s.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%s: %w", s.desc.ID, ErrNotActive)
	}

	var arg interface{}
	if len(bytes.TrimSpace(input)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(input))
		dec.UseNumber()
		if err := dec.Decode(&arg); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
	}
	sv, err := toStarlarkValue(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to convert input: %w", err)
	}

	var out starlark.Value
	err = s.run(ctx, func(thread *starlark.Thread) error {
		var err error
		out, err = starlark.Call(thread, fn, starlark.Tuple{starlark.String(op), sv}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("starlark invoke failed: %w", err)
	}

	goVal, err := fromStarlarkValue(out)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	return json.Marshal(goVal)
}

// run executes fn on a fresh thread that is cancelled when ctx is done or the
// timeout elapses.
func (s *Script) run(ctx context.Context, fn func(*starlark.Thread) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "kindle/" + s.desc.ID,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("script_output", msg).Msg("Script print")
		},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	err := fn(thread)
	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &engine.TimeoutError{Op: "script", Resource: s.desc.ID, After: s.timeout}
		}
		return ctx.Err()
	}
	return err
}

// Capabilities returns the module's capabilities list, or the descriptor's
// keywords if the module defines none.
func (s *Script) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caps == nil {
		return append([]string(nil), s.desc.CapabilityKeywords...)
	}
	return append([]string(nil), s.caps...)
}

// Close drops the compiled module.
func (s *Script) Close(context.Context) error {
	s.mu.Lock()
	s.globals = nil
	s.invoke = nil
	s.mu.Unlock()
	return nil
}

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
}
