package activation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// DefaultActivationTimeout bounds a single activation attempt.
const DefaultActivationTimeout = 30 * time.Second

// Observer receives activation lifecycle notifications. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveActivation(resourceID string, d time.Duration, err error)
	ObserveAcquire(resourceID string)
	ObserveActive(n int)
}

// Options configures a Controller.
type Options struct {
	// ActivationTimeout bounds each call to Provider.Activate.
	ActivationTimeout time.Duration

	// Admitter, if set, is consulted before every activation attempt.
	Admitter engine.Admitter

	// Observer, if set, receives lifecycle notifications.
	Observer Observer

	// Events, if set, receives state transitions and activation failures.
	// Its subscribers run with the controller locked and must not call it.
	Events *telemetry.EventPublisher

	Logger zerolog.Logger
}

// Handle is a point-in-time view of a resource's activation state.
type Handle struct {
	DescriptorID    string             `json:"descriptor_id"`
	State           engine.HandleState `json:"state"`
	ActivatedAt     time.Time          `json:"activated_at,omitempty"`
	InvocationCount uint64             `json:"invocation_count"`
	LastError       string             `json:"last_error,omitempty"`

	// Provider is set only when State is active.
	Provider engine.Provider `json:"-"`
}

type entry struct {
	desc        engine.ResourceDescriptor
	state       engine.HandleState
	provider    engine.Provider
	activatedAt time.Time
	invocations uint64
	err         error

	// done is closed when the most recent activation attempt finishes.
	done chan struct{}
}

func (e *entry) handle() Handle {
	h := Handle{
		DescriptorID:    e.desc.ID,
		State:           e.state,
		ActivatedAt:     e.activatedAt,
		InvocationCount: e.invocations,
	}
	if e.state == engine.HandleActive {
		h.Provider = e.provider
	}
	if e.err != nil {
		h.LastError = e.err.Error()
	}
	return h
}

// Controller activates catalog resources on first demand and hands out shared
// handles afterwards. At most one activation per resource is in flight.
type Controller struct {
	catalog  *Catalog
	registry *Registry
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// NewController creates a controller over catalog using factories from registry.
func NewController(catalog *Catalog, registry *Registry, opts Options) *Controller {
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = DefaultActivationTimeout
	}
	return &Controller{
		catalog:  catalog,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "activation").Logger(),
		entries:  make(map[string]*entry),
	}
}

// Catalog returns the controller's resource catalog.
func (c *Controller) Catalog() *Catalog { return c.catalog }

// Acquire returns an active handle for id, activating the resource if needed.
//
// Concurrent callers for the same resource share one activation attempt; each
// caller waits until it finishes or its own ctx is done. A failed attempt is
// reported to every caller that waited on it and is retried on the next Acquire.
// Every successful Acquire increments the handle's invocation count.
func (c *Controller) Acquire(ctx context.Context, id string) (Handle, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		desc, found := c.catalog.Get(id)
		if !found {
			c.mu.Unlock()
			return Handle{}, engine.NewActivationError(id, engine.ErrUnknownResource)
		}
		e = &entry{desc: desc, state: engine.HandleUninitialized}
		c.entries[id] = e
	}

	for {
		if c.closed {
			c.mu.Unlock()
			return Handle{}, engine.NewActivationError(id, engine.ErrClosed)
		}

		switch e.state {
		case engine.HandleActive:
			e.invocations++
			h := e.handle()
			c.mu.Unlock()
			if c.opts.Observer != nil {
				c.opts.Observer.ObserveAcquire(id)
			}
			return h, nil

		case engine.HandleUninitialized, engine.HandleFailed:
			c.startLocked(ctx, e)
		}

		// Activating: wait for the attempt in flight.
		done := e.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return Handle{}, engine.NewActivationError(id, ctx.Err())
		}

		c.mu.Lock()
		if e.done == done && e.state == engine.HandleFailed {
			err := e.err
			c.mu.Unlock()
			return Handle{}, err
		}
	}
}

// startLocked begins an activation attempt for e. c.mu must be held.
func (c *Controller) startLocked(ctx context.Context, e *entry) {
	e.state = engine.HandleActivating
	e.err = nil
	e.done = make(chan struct{})

	req := engine.AdmissionRequest{Resource: e.desc}
	for id, other := range c.entries {
		if other == e {
			continue
		}
		if other.state == engine.HandleActive || other.state == engine.HandleActivating {
			req.Active = append(req.Active, id)
			req.ActiveWeight += other.desc.MemoryWeight
		}
	}
	sort.Strings(req.Active)

	// The attempt outlives any single caller; it is bounded by the activation timeout.
	actx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		provider, err := c.activate(actx, e.desc, req)
		c.finish(e, provider, err)
	}()
}

func (c *Controller) activate(ctx context.Context, desc engine.ResourceDescriptor, req engine.AdmissionRequest) (provider engine.Provider, err error) {
	ctx, span := otel.Tracer("github.com/openfroyo/kindle/pkg/activation").Start(ctx, "activation.activate")
	span.SetAttributes(
		telemetry.AttrResourceID.String(desc.ID),
		telemetry.AttrResourceKind.String(desc.FactoryKind()),
	)
	start := time.Now()
	defer func() {
		d := time.Since(start)
		telemetry.EndSpan(span, err)
		if c.opts.Observer != nil {
			c.opts.Observer.ObserveActivation(desc.ID, d, err)
		}
	}()

	logger := c.logger.With().Str("resource", desc.ID).Logger()
	logger.Debug().Strs("active", req.Active).Int("active_weight", req.ActiveWeight).Msg("Activating resource")

	if c.opts.Admitter != nil {
		if err := c.opts.Admitter.Admit(ctx, req); err != nil {
			logger.Warn().Err(err).Msg("Activation denied")
			return nil, engine.NewActivationError(desc.ID, err)
		}
	}

	factory, ok := c.registry.Lookup(desc.FactoryKind())
	if !ok {
		return nil, engine.NewActivationError(desc.ID, fmt.Errorf("%w: %s", engine.ErrUnknownKind, desc.FactoryKind()))
	}

	p, err := factory(desc)
	if err != nil {
		return nil, engine.NewActivationError(desc.ID, fmt.Errorf("failed to create provider: %w", err))
	}

	tctx, cancel := context.WithTimeout(ctx, c.opts.ActivationTimeout)
	defer cancel()

	if err := p.Activate(tctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = &engine.TimeoutError{Op: "activate", Resource: desc.ID, After: c.opts.ActivationTimeout}
		}
		if cerr := p.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Debug().Err(cerr).Msg("Close after failed activation")
		}
		logger.Error().Err(err).Msg("Activation failed")
		return nil, engine.NewActivationError(desc.ID, err)
	}

	elapsed := time.Since(start)
	ev := logger.Info()
	if desc.ActivationLatency > 0 && elapsed > 2*desc.ActivationLatency {
		ev = logger.Warn().Dur("expected", desc.ActivationLatency)
	}
	ev.Dur("duration", elapsed).Msg("Resource activated")
	return p, nil
}

func (c *Controller) finish(e *entry, provider engine.Provider, err error) {
	c.mu.Lock()
	if err == nil && c.closed {
		err = engine.NewActivationError(e.desc.ID, engine.ErrClosed)
		defer func() {
			_ = provider.Close(context.Background())
		}()
	}

	if err != nil {
		e.state = engine.HandleFailed
		e.err = err
	} else {
		e.state = engine.HandleActive
		e.provider = provider
		e.activatedAt = time.Now()
	}
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveActive(c.activeCountLocked())
	}
	c.publish(e.desc.ID, e.state, err)
	close(e.done)
	c.mu.Unlock()
}

func (c *Controller) publish(id string, state engine.HandleState, err error) {
	if c.opts.Events == nil {
		return
	}
	if perr := c.opts.Events.PublishResourceStateChanged(id, engine.HandleActivating, state); perr != nil {
		c.logger.Debug().Err(perr).Str("resource", id).Msg("State event dropped")
	}
	if err != nil {
		if perr := c.opts.Events.PublishActivationFailed(id, err); perr != nil {
			c.logger.Debug().Err(perr).Str("resource", id).Msg("Failure event dropped")
		}
	}
}

func (c *Controller) activeCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.state == engine.HandleActive {
			n++
		}
	}
	return n
}

// AcquireAll acquires every id concurrently and returns handles in input order.
// The first failure cancels the remaining waits and is returned.
func (c *Controller) AcquireAll(ctx context.Context, ids []string) ([]Handle, error) {
	handles := make([]Handle, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			h, err := c.Acquire(gctx, id)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

// ActiveResources returns the ids of active resources in sorted order.
func (c *Controller) ActiveResources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.state == engine.HandleActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveWeight returns the summed memory weight of active resources.
func (c *Controller) ActiveWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := 0
	for _, e := range c.entries {
		if e.state == engine.HandleActive {
			w += e.desc.MemoryWeight
		}
	}
	return w
}

// Handles returns a snapshot of every resource that has been acquired at least
// once, sorted by id.
func (c *Controller) Handles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Handle, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.handle())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DescriptorID < out[j].DescriptorID })
	return out
}

// Handle returns the current view of id without acquiring it.
func (c *Controller) Handle(id string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		if _, known := c.catalog.Get(id); !known {
			return Handle{}, false
		}
		return Handle{DescriptorID: id, State: engine.HandleUninitialized}, true
	}
	return e.handle(), true
}

// Close waits for in-flight activations and closes every active provider.
// Subsequent Acquire calls fail with ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	var providers []engine.Provider
	var ids []string
	for id, e := range c.entries {
		if e.state == engine.HandleActive {
			providers = append(providers, e.provider)
			ids = append(ids, id)
			e.state = engine.HandleUninitialized
			e.provider = nil
		}
	}
	c.mu.Unlock()

	var errs []error
	for i, p := range providers {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ids[i], err))
		}
	}
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveActive(0)
	}
	c.logger.Info().Int("closed", len(providers)).Msg("Activation controller closed")
	return errors.Join(errs...)
}
