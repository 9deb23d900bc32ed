package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/kindle/pkg/activation"
	"github.com/openfroyo/kindle/pkg/cache"
	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultOperation is invoked on providers that declare no capabilities.
const DefaultOperation = "invoke"

// Options configures a Manager.
type Options struct {
	// DegradeOnFailure runs a task under the fallback strategy with no
	// resources when activation fails, instead of failing the task.
	DegradeOnFailure bool

	// Telemetry is attached to every execution context. Optional.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger

	// Now and NewID override the clock and session id source, for tests.
	Now   func() time.Time
	NewID func() string
}

// Manager routes tasks to resources. It owns the classifier, the activation
// controller, the tiered cache and the persistence store.
type Manager struct {
	classifier atomic.Pointer[classifier.Classifier]
	controller *activation.Controller
	cache      *cache.TieredCache
	store      engine.Store

	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	degrade bool
	now     func() time.Time
	newID   func() string
}

// Result is the outcome of one task execution.
type Result struct {
	SessionID      string                `json:"session_id"`
	Task           string                `json:"task"`
	Classification engine.Classification `json:"classification"`
	Outputs        []Output              `json:"outputs"`

	// Degraded is set when activation failed and the task ran without resources.
	Degraded        bool   `json:"degraded,omitempty"`
	ActivationError string `json:"activation_error,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// CacheHits returns the number of outputs served from the cache.
func (r *Result) CacheHits() int {
	n := 0
	for _, o := range r.Outputs {
		if o.Cached {
			n++
		}
	}
	return n
}

// Output is one resource's contribution to a task.
type Output struct {
	Resource  string          `json:"resource"`
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result"`
	Cached    bool            `json:"cached"`
	Tier      engine.Tier     `json:"tier"`
}

// New creates a manager. All components are required.
func New(cls *classifier.Classifier, ctrl *activation.Controller, c *cache.TieredCache, store engine.Store, opts Options) (*Manager, error) {
	switch {
	case cls == nil:
		return nil, errors.New("classifier is required")
	case ctrl == nil:
		return nil, errors.New("activation controller is required")
	case c == nil:
		return nil, errors.New("cache is required")
	case store == nil:
		return nil, errors.New("store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	m := &Manager{
		controller: ctrl,
		cache:      c,
		store:      store,
		tel:        opts.Telemetry,
		logger:     opts.Logger.With().Str("component", "manager").Logger(),
		degrade:    opts.DegradeOnFailure,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	m.classifier.Store(cls)
	return m, nil
}

// Classifier returns the current classifier.
func (m *Manager) Classifier() *classifier.Classifier { return m.classifier.Load() }

// SetClassifier atomically replaces the classifier used by later tasks.
func (m *Manager) SetClassifier(cls *classifier.Classifier) {
	if cls == nil {
		return
	}
	m.classifier.Store(cls)
	m.logger.Info().Int("rules", len(cls.Rules())).Msg("Classifier replaced")
}

// Controller returns the activation controller.
func (m *Manager) Controller() *activation.Controller { return m.controller }

// Cache returns the tiered cache.
func (m *Manager) Cache() *cache.TieredCache { return m.cache }

// Store returns the persistence store.
func (m *Manager) Store() engine.Store { return m.store }

// Classify classifies text with the current classifier.
func (m *Manager) Classify(text string) engine.Classification {
	return m.Classifier().Classify(text)
}

// Execute classifies task, activates its resources, invokes each one through
// the cache and records the session.
func (m *Manager) Execute(ctx context.Context, task string) (*Result, error) {
	if m.tel != nil && telemetry.FromTelemetryContext(ctx) == nil {
		ctx = m.tel.WithContext(ctx)
	}

	result := &Result{
		SessionID: m.newID(),
		Task:      task,
		StartedAt: m.now(),
	}
	op := telemetry.StartOperation(ctx, "task.execute", telemetry.AttrTaskID.String(result.SessionID))

	result.Classification = m.Classify(task)
	op.SetAttributes(
		telemetry.AttrStrategy.String(result.Classification.Strategy),
		telemetry.AttrConfidence.Float64(result.Classification.Confidence),
	)

	err := m.execute(op.Ctx, result)
	result.Duration = op.Timer.Duration()
	op.End(err)
	m.recordTask(result.Classification.Strategy, result.Duration, err)

	if err != nil {
		m.logger.Error().Err(err).
			Str("session", result.SessionID).
			Str("strategy", result.Classification.Strategy).
			Msg("Task failed")
		return nil, err
	}

	m.logger.Info().
		Str("session", result.SessionID).
		Str("strategy", result.Classification.Strategy).
		Strs("resources", result.Classification.Resources).
		Int("cache_hits", result.CacheHits()).
		Bool("degraded", result.Degraded).
		Dur("duration", result.Duration).
		Msg("Task executed")
	if m.tel != nil {
		if err := m.tel.Events.PublishTaskCompleted(result.SessionID, result.Classification.Strategy, result.Degraded, result.Duration); err != nil {
			m.logger.Debug().Err(err).Msg("Task event dropped")
		}
	}
	return result, nil
}

func (m *Manager) execute(ctx context.Context, result *Result) error {
	handles, err := m.controller.AcquireAll(ctx, result.Classification.Resources)
	if err != nil {
		if !m.degrade || ctx.Err() != nil {
			return fmt.Errorf("failed to activate resources for %s: %w", result.Classification.Strategy, err)
		}
		m.logger.Warn().Err(err).
			Str("strategy", result.Classification.Strategy).
			Msg("Activation failed, running degraded")

		fallback := m.Classifier().Fallback()
		result.Degraded = true
		result.ActivationError = err.Error()
		result.Classification = engine.Classification{
			Confidence: fallback.Confidence,
			Strategy:   fallback.Strategy,
			Resources:  []string{},
			Rule:       -1,
		}
		handles = nil
	}

	digest := TaskDigest(result.Task)
	input, err := json.Marshal(invocationInput{Task: result.Task, Strategy: result.Classification.Strategy})
	if err != nil {
		return fmt.Errorf("failed to encode invocation input: %w", err)
	}

	result.Outputs = make([]Output, 0, len(handles))
	for _, h := range handles {
		out, err := m.invoke(ctx, h, digest, input)
		if err != nil {
			return err
		}
		result.Outputs = append(result.Outputs, out)
	}

	m.persist(ctx, result, digest)
	return nil
}

type invocationInput struct {
	Task     string `json:"task"`
	Strategy string `json:"strategy"`
}

// invoke serves a resource's output from the cache or calls its provider and
// writes the result through.
func (m *Manager) invoke(ctx context.Context, h activation.Handle, digest string, input json.RawMessage) (out Output, err error) {
	out = Output{
		Resource:  h.DescriptorID,
		Operation: primaryOperation(h.Provider),
		Tier:      engine.TierNone,
	}
	key := CacheKey(h.DescriptorID, digest)

	op := telemetry.StartOperation(ctx, "resource.invoke",
		telemetry.AttrResourceID.String(out.Resource),
		telemetry.AttrOperation.String(out.Operation),
	)
	ctx = op.Ctx
	defer func() {
		op.SetAttributes(telemetry.AttrCacheTier.String(string(out.Tier)))
		op.End(err)
	}()

	cached, err := m.cache.Get(ctx, key)
	if err != nil {
		return out, fmt.Errorf("cache lookup %s: %w", key, err)
	}
	if cached.Found {
		out.Result = json.RawMessage(cached.Value)
		out.Cached = true
		out.Tier = cached.Tier
		return out, nil
	}

	value, err := h.Provider.Invoke(ctx, out.Operation, input)
	if err != nil {
		return out, fmt.Errorf("resource %s %s: %w", h.DescriptorID, out.Operation, err)
	}
	out.Result = value

	if err := m.cache.Set(ctx, key, value, 0); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache result")
	}
	return out, nil
}

func primaryOperation(p engine.Provider) string {
	if p == nil {
		return DefaultOperation
	}
	if caps := p.Capabilities(); len(caps) > 0 {
		return caps[0]
	}
	return DefaultOperation
}

// persist records the session and its performance entry. Store failures are
// logged; they do not fail the task.
func (m *Manager) persist(ctx context.Context, result *Result, digest string) {
	elapsed := m.now().Sub(result.StartedAt)

	var errs []string
	if result.ActivationError != "" {
		errs = append(errs, result.ActivationError)
	}
	success := 1.0
	if result.Degraded {
		success = 0
	}

	session := Session{
		ID:             result.SessionID,
		Task:           result.Task,
		Strategy:       result.Classification.Strategy,
		Confidence:     result.Classification.Confidence,
		Resources:      result.Classification.Resources,
		TasksCompleted: 1,
		CacheHits:      result.CacheHits(),
		DurationMS:     elapsed.Milliseconds(),
		Degraded:       result.Degraded,
		Errors:         errs,
		SuccessRate:    success,
	}
	if err := m.SaveSession(ctx, session, 0); err != nil {
		m.recordError(err)
		m.logger.Warn().Err(err).Str("session", result.SessionID).Msg("Failed to persist session")
	}

	perf := Performance{
		Key:        digest,
		Strategy:   result.Classification.Strategy,
		Confidence: result.Classification.Confidence,
		TimeMS:     elapsed.Milliseconds(),
		Success:    !result.Degraded,
		Resources:  len(result.Outputs),
	}
	if err := m.SavePerformance(ctx, perf, 0); err != nil {
		m.recordError(err)
		m.logger.Warn().Err(err).Str("key", digest).Msg("Failed to persist performance record")
	}
}

func (m *Manager) recordTask(strategy string, d time.Duration, err error) {
	if m.tel == nil || m.tel.Metrics == nil {
		return
	}
	m.tel.Metrics.RecordTask(strategy, d, err)
}

func (m *Manager) recordError(err error) {
	if m.tel == nil || m.tel.Metrics == nil {
		return
	}
	m.tel.Metrics.RecordError(err)
}

// TaskDigest returns the first 16 hex digits of the SHA-256 of task.
func TaskDigest(task string) string {
	sum := sha256.Sum256([]byte(task))
	return hex.EncodeToString(sum[:])[:16]
}

// CacheKey returns the cache key of a resource's output for a task digest.
func CacheKey(resource, digest string) string {
	return resource + ":" + digest
}

// Snapshot is a point-in-time view of the manager's components.
type Snapshot struct {
	Active       []string            `json:"active"`
	ActiveWeight int                 `json:"active_weight"`
	Handles      []activation.Handle `json:"handles"`
	Cache        cache.Stats         `json:"cache"`
	HitRate      float64             `json:"hit_rate"`
	Namespaces   map[string]int      `json:"namespaces"`
}

// Snapshot reports active resources, cache counters and live record counts.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to count records: %w", err)
	}
	stats := m.cache.Stats()
	return Snapshot{
		Active:       m.controller.ActiveResources(),
		ActiveWeight: m.controller.ActiveWeight(),
		Handles:      m.controller.Handles(),
		Cache:        stats,
		HitRate:      stats.HitRate(),
		Namespaces:   counts,
	}, nil
}

// Close deactivates every resource and closes the store.
func (m *Manager) Close(ctx context.Context) error {
	return errors.Join(m.controller.Close(ctx), m.store.Close())
}
