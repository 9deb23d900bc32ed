package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/rs/zerolog"
)

func TestLazyOpensOnFirstUse(t *testing.T) {
	var opens atomic.Int32
	inner := NewMemoryBackend(2, nil)
	lazy := NewLazy(func(context.Context) (engine.Backend, error) {
		opens.Add(1)
		return inner, nil
	}, LazyOptions{})

	if lazy.Opened() {
		t.Fatal("tier opened before first use")
	}

	ctx := context.Background()
	if err := lazy.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := lazy.Get(ctx, "k"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !lazy.Opened() || opens.Load() != 1 {
		t.Errorf("opened=%v opens=%d, want one open", lazy.Opened(), opens.Load())
	}
}

func TestLazyConcurrentFirstUseOpensOnce(t *testing.T) {
	var opens atomic.Int32
	lazy := NewLazy(func(context.Context) (engine.Backend, error) {
		opens.Add(1)
		time.Sleep(20 * time.Millisecond)
		return NewMemoryBackend(2, nil), nil
	}, LazyOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = lazy.Get(context.Background(), "k")
		}()
	}
	wg.Wait()

	if opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", opens.Load())
	}
}

func TestLazyOpenFailureIsRetriedAfterBackoff(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	fail := true
	lazy := NewLazy(func(context.Context) (engine.Backend, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return NewMemoryBackend(2, nil), nil
	}, LazyOptions{RetryAfter: 10 * time.Second, Now: clock})

	ctx := context.Background()
	_, err := lazy.Get(ctx, "k")
	if !engine.IsCacheUnavailable(err) {
		t.Fatalf("expected CacheUnavailableError, got %v", err)
	}

	fail = false
	if _, err := lazy.Get(ctx, "k"); !engine.IsCacheUnavailable(err) {
		t.Fatalf("failure should be remembered during backoff, got %v", err)
	}
	if lazy.OpenAttempts() != 1 {
		t.Errorf("OpenAttempts = %d, want 1", lazy.OpenAttempts())
	}

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	if _, err := lazy.Get(ctx, "k"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected a plain miss after reopening, got %v", err)
	}
	if !lazy.Opened() || lazy.OpenAttempts() != 2 {
		t.Errorf("opened=%v attempts=%d", lazy.Opened(), lazy.OpenAttempts())
	}
}

func TestLazyOpenTimeout(t *testing.T) {
	lazy := NewLazy(func(ctx context.Context) (engine.Backend, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, LazyOptions{OpenTimeout: 20 * time.Millisecond})

	_, err := lazy.Get(context.Background(), "k")
	if !engine.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestLazyDeleteOpensTier(t *testing.T) {
	ctx := context.Background()
	cold := NewMemoryBackend(2, nil)
	_ = cold.Set(ctx, "k", []byte("written earlier"), time.Minute)

	lazy := NewLazy(func(context.Context) (engine.Backend, error) {
		return cold, nil
	}, LazyOptions{})

	if err := lazy.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !lazy.Opened() {
		t.Error("Delete must open the tier")
	}
	if _, err := cold.Get(ctx, "k"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("key survived delete: %v", err)
	}
}

func TestTieredCacheWithUnreachableLazyTier(t *testing.T) {
	lazy := NewLazy(func(context.Context) (engine.Backend, error) {
		return nil, errors.New("cold store offline")
	}, LazyOptions{})
	c := New(nil, lazy, nil, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	if res, err := c.Get(ctx, "k"); err != nil || res.Found {
		t.Fatalf("Get = %+v, %v; want a clean miss", res, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if res, _ := c.Get(ctx, "k"); res.Tier != engine.TierMemory {
		t.Errorf("Get tier = %s, want memory", res.Tier)
	}

	s := c.Stats()
	if s.LazyErrors != 1 || s.Misses != 1 || s.MemoryFallbacks != 1 {
		t.Errorf("stats = %+v", s)
	}
}
