package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
)

// ErrNotActive is returned by Invoke before Activate succeeded or after Close.
var ErrNotActive = errors.New("provider is not active")

// SimulatedResult is the response document of a simulated provider.
type SimulatedResult struct {
	Resource     string   `json:"resource"`
	Operation    string   `json:"operation"`
	Capabilities []string `json:"capabilities,omitempty"`
	InputDigest  string   `json:"input_digest"`
	Message      string   `json:"message"`
}

// Simulated stands in for an external capability. Activation takes the
// descriptor's activation latency, honouring cancellation; Invoke returns a
// deterministic document derived from its arguments.
type Simulated struct {
	desc engine.ResourceDescriptor

	mu     sync.RWMutex
	active bool
}

// NewSimulated is an engine.Factory for simulated providers.
func NewSimulated(desc engine.ResourceDescriptor) (engine.Provider, error) {
	return &Simulated{desc: desc}, nil
}

// Activate waits for the activation latency or until ctx is done.
func (s *Simulated) Activate(ctx context.Context) error {
	if d := s.desc.ActivationLatency; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail, ok := s.desc.Config["fail_activation"].(string); ok && fail != "" {
		return errors.New(fail)
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

// Invoke returns a SimulatedResult for op and input.
func (s *Simulated) Invoke(ctx context.Context, op string, input json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if !active {
		return nil, fmt.Errorf("%s: %w", s.desc.ID, ErrNotActive)
	}

	sum := sha256.Sum256(input)
	return json.Marshal(SimulatedResult{
		Resource:     s.desc.ID,
		Operation:    op,
		Capabilities: s.desc.CapabilityKeywords,
		InputDigest:  hex.EncodeToString(sum[:8]),
		Message:      fmt.Sprintf("%s handled %s", s.desc.ID, op),
	})
}

// Capabilities returns the descriptor's capability keywords.
func (s *Simulated) Capabilities() []string {
	return append([]string(nil), s.desc.CapabilityKeywords...)
}

// Close deactivates the provider.
func (s *Simulated) Close(context.Context) error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}
