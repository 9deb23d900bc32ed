package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
)

// Opener establishes the cold tier on first use.
type Opener func(ctx context.Context) (engine.Backend, error)

// LazyBackend defers opening its underlying backend until the first operation.
// A failed open is remembered for RetryAfter, after which the next operation tries again.
type LazyBackend struct {
	open        Opener
	openTimeout time.Duration
	retryAfter  time.Duration
	now         func() time.Time

	mu        sync.Mutex
	backend   engine.Backend
	lastErr   error
	failedAt  time.Time
	openCount int
}

var _ engine.Backend = (*LazyBackend)(nil)

// LazyOptions configures a LazyBackend.
type LazyOptions struct {
	// OpenTimeout bounds each open attempt. Defaults to 5s.
	OpenTimeout time.Duration

	// RetryAfter is how long a failed open is cached. Defaults to 10s.
	RetryAfter time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewLazy creates a lazily opened tier.
func NewLazy(open Opener, opts LazyOptions) *LazyBackend {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LazyBackend{
		open:        open,
		openTimeout: opts.OpenTimeout,
		retryAfter:  opts.RetryAfter,
		now:         opts.Now,
	}
}

// acquire returns the opened backend, opening it if needed. Callers arriving during
// an open wait for its outcome.
func (l *LazyBackend) acquire(ctx context.Context) (engine.Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend != nil {
		return l.backend, nil
	}
	if l.lastErr != nil && l.now().Sub(l.failedAt) < l.retryAfter {
		return nil, l.lastErr
	}

	openCtx, cancel := context.WithTimeout(ctx, l.openTimeout)
	defer cancel()

	l.openCount++
	b, err := l.open(openCtx)
	if err == nil && b == nil {
		err = errors.New("opener returned no backend")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &engine.TimeoutError{Op: "open", Resource: string(engine.TierLazy), After: l.openTimeout}
		}
		l.lastErr = engine.NewCacheUnavailableError(engine.TierLazy, "open", err)
		l.failedAt = l.now()
		return nil, l.lastErr
	}

	l.backend = b
	l.lastErr = nil
	return b, nil
}

// Get reads key from the cold tier, opening it first if needed.
func (l *LazyBackend) Get(ctx context.Context, key string) (engine.CacheEntry, error) {
	b, err := l.acquire(ctx)
	if err != nil {
		return engine.CacheEntry{}, err
	}
	return b.Get(ctx, key)
}

// Set writes key to the cold tier, opening it first if needed.
func (l *LazyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, value, ttl)
}

// Delete removes key from the cold tier, opening it if needed. Earlier processes
// may have written the key behind.
func (l *LazyBackend) Delete(ctx context.Context, key string) error {
	b, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

// Opened reports whether the cold tier has been established.
func (l *LazyBackend) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend != nil
}

// OpenAttempts returns how many times the opener has been called.
func (l *LazyBackend) OpenAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openCount
}

// Close closes the underlying backend if it was opened and implements io.Closer.
func (l *LazyBackend) Close() error {
	l.mu.Lock()
	b := l.backend
	l.backend = nil
	l.mu.Unlock()

	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
