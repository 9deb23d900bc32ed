package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
)

var errDown = errors.New("backend down")

// downBackend fails every operation, standing in for an unreachable tier.
type downBackend struct{}

func (downBackend) Get(context.Context, string) (engine.CacheEntry, error) {
	return engine.CacheEntry{}, errDown
}
func (downBackend) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (downBackend) Delete(context.Context, string) error                   { return errDown }

// countingBackend wraps a memory backend and counts reads.
type countingBackend struct {
	*MemoryBackend
	gets  atomic.Int64
	delay time.Duration
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: NewMemoryBackend(4, nil)}
}

func (c *countingBackend) Get(ctx context.Context, key string) (engine.CacheEntry, error) {
	c.gets.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return engine.CacheEntry{}, ctx.Err()
		}
	}
	return c.MemoryBackend.Get(ctx, key)
}

func newTestCache(persistent, lazy, memory engine.Backend) *TieredCache {
	return New(persistent, lazy, memory, Options{Logger: zerolog.Nop()})
}

func TestGetPersistentHit(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryBackend(4, nil)
	c := newTestCache(persistent, nil, nil)

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.Found || res.Tier != engine.TierPersistent || string(res.Value) != "v" {
		t.Errorf("Get = %+v, want persistent hit", res)
	}

	s := c.Stats()
	if s.PersistentHits != 1 || s.Total() != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestGetFallbackOrderAndPromotion(t *testing.T) {
	ctx := context.Background()
	lazy := newCountingBackend()
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("cold"), time.Minute)

	c := newTestCache(downBackend{}, lazy, nil)

	res, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Tier != engine.TierLazy || string(res.Value) != "cold" {
		t.Fatalf("first Get = %+v, want lazy hit", res)
	}
	if s := c.Stats(); s.LazyFallbacks != 1 {
		t.Errorf("LazyFallbacks = %d, want 1", s.LazyFallbacks)
	}

	res, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Tier != engine.TierMemory || string(res.Value) != "cold" {
		t.Fatalf("second Get = %+v, want memory hit", res)
	}

	s := c.Stats()
	if s.MemoryFallbacks != 1 || s.LazyFallbacks != 1 || s.Promotions != 1 {
		t.Errorf("stats = %+v", s)
	}
	if got := lazy.gets.Load(); got != 1 {
		t.Errorf("lazy queried %d times, want 1", got)
	}
}

func TestPromotionIntoPersistent(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryBackend(4, nil)
	lazy := newCountingBackend()
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("cold"), time.Minute)

	c := newTestCache(persistent, lazy, nil)

	if res, _ := c.Get(ctx, "k"); res.Tier != engine.TierLazy {
		t.Fatalf("first Get tier = %s, want lazy", res.Tier)
	}
	if res, _ := c.Get(ctx, "k"); res.Tier != engine.TierPersistent {
		t.Fatalf("second Get tier = %s, want persistent", res.Tier)
	}

	ent, err := persistent.Get(ctx, "k")
	if err != nil {
		t.Fatalf("key not promoted: %v", err)
	}
	if ent.TTL <= 0 || ent.TTL > time.Minute {
		t.Errorf("promoted TTL = %v, want remaining lazy TTL", ent.TTL)
	}
}

func TestWriteThroughWithPersistentDown(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(downBackend{}, nil, nil)

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set must succeed when memory accepts the write: %v", err)
	}

	res, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Tier != engine.TierMemory || string(res.Value) != "v" {
		t.Errorf("Get = %+v, want memory hit", res)
	}

	s := c.Stats()
	if s.WriteDegraded != 1 || s.PersistentErrors != 1 || s.MemoryFallbacks != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMemoryResidencySkipsLazy(t *testing.T) {
	ctx := context.Background()
	lazy := newCountingBackend()
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("stale"), time.Minute)

	c := newTestCache(downBackend{}, lazy, nil)
	if err := c.Set(ctx, "k", []byte("fresh"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res, _ := c.Get(ctx, "k")
	if string(res.Value) != "fresh" {
		t.Errorf("Get = %q, want the written value", res.Value)
	}
	if lazy.gets.Load() != 0 {
		t.Errorf("lazy tier consulted for a memory-resident key")
	}
}

func TestSetWritesBehindToLazy(t *testing.T) {
	ctx := context.Background()
	lazy := newCountingBackend()

	first := newTestCache(nil, lazy, nil)
	if err := first.Set(ctx, "greeting", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A fresh cache over the same lazy tier has an empty memory tier.
	second := newTestCache(nil, lazy, nil)
	res, err := second.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.Found || res.Tier != engine.TierLazy || string(res.Value) != "hello" {
		t.Errorf("Get = %+v, want lazy hit", res)
	}
}

func TestLazyWriteFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	var got []telemetry.Event
	events.Subscribe(func(e telemetry.Event) { got = append(got, e) }, nil)
	c := New(nil, downBackend{}, nil, Options{Events: events, Logger: zerolog.Nop()})

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set must succeed when memory accepts the write: %v", err)
	}
	if s := c.Stats(); s.WriteDegraded != 1 {
		t.Errorf("WriteDegraded = %d, want 1", s.WriteDegraded)
	}
	if res, _ := c.Get(ctx, "k"); res.Tier != engine.TierMemory {
		t.Errorf("Get tier = %s, want memory", res.Tier)
	}
	if len(got) != 1 || got[0].Type != telemetry.EventTypeCacheWriteDegraded || got[0].Data["tier"] != "lazy" {
		t.Errorf("events = %+v, want one degraded lazy write", got)
	}
}

func TestMissCountsOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(NewMemoryBackend(2, nil), newCountingBackend(), nil)

	res, err := c.Get(ctx, "absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Found || res.Tier != engine.TierNone {
		t.Errorf("Get = %+v, want miss", res)
	}

	s := c.Stats()
	if s.Misses != 1 || s.Total() != 1 || s.LazyErrors != 0 || s.PersistentErrors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	memory := NewMemoryBackend(2, clock)
	c := newTestCache(nil, nil, memory)

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ent, err := memory.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ent.TTL != DefaultTTL {
		t.Errorf("TTL = %v, want %v", ent.TTL, DefaultTTL)
	}

	advance(DefaultTTL + time.Second)
	if res, _ := c.Get(ctx, "k"); res.Found {
		t.Errorf("entry outlived the default ttl")
	}
}

func TestLazyTimeoutIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	lazy := newCountingBackend()
	lazy.delay = time.Second
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("slow"), time.Minute)

	c := New(nil, lazy, nil, Options{LazyTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})

	start := time.Now()
	res, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Found {
		t.Errorf("expected a miss when the lazy tier times out")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Get was not bounded by the lazy timeout")
	}

	s := c.Stats()
	if s.LazyErrors != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestConcurrentMissesShareLazyFetch(t *testing.T) {
	ctx := context.Background()
	lazy := newCountingBackend()
	lazy.delay = 50 * time.Millisecond
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("v"), time.Minute)

	c := newTestCache(downBackend{}, lazy, nil)

	const callers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.Get(ctx, "k")
			if err != nil || string(res.Value) != "v" {
				t.Errorf("Get = %+v, %v", res, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	s := c.Stats()
	if s.Total() != callers {
		t.Errorf("Total = %d, want %d", s.Total(), callers)
	}
	if s.LazyFallbacks+s.MemoryFallbacks != callers {
		t.Errorf("every get must be served by lazy or memory: %+v", s)
	}
	if got := lazy.gets.Load(); got >= callers {
		t.Errorf("lazy queried %d times, concurrent misses were not collapsed", got)
	}
}

func TestCountersExactlyOnePerGet(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryBackend(4, nil)
	lazy := newCountingBackend()
	c := newTestCache(persistent, lazy, nil)

	_ = lazy.MemoryBackend.Set(ctx, "lazy-only", []byte("v"), time.Minute)
	_ = c.Set(ctx, "both", []byte("v"), time.Minute)

	keys := []string{"both", "lazy-only", "lazy-only", "missing", "both", "missing"}
	for _, k := range keys {
		if _, err := c.Get(ctx, k); err != nil {
			t.Fatalf("Get(%s) failed: %v", k, err)
		}
	}

	s := c.Stats()
	if s.Total() != uint64(len(keys)) {
		t.Errorf("Total = %d, want %d (%+v)", s.Total(), len(keys), s)
	}
	if s.PersistentHits != 3 || s.LazyFallbacks != 1 || s.Misses != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSetFailsOnlyWhenAllTiersFail(t *testing.T) {
	c := newTestCache(downBackend{}, nil, downBackend{})

	err := c.Set(context.Background(), "k", []byte("v"), time.Minute)
	if err == nil {
		t.Fatal("expected error when every tier rejects the write")
	}
	if !engine.IsCacheUnavailable(err) {
		t.Errorf("expected CacheUnavailableError, got %v", err)
	}
}

func TestDeleteRemovesFromAllTiers(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryBackend(2, nil)
	lazy := newCountingBackend()
	_ = lazy.MemoryBackend.Set(ctx, "k", []byte("v"), time.Minute)
	c := newTestCache(persistent, lazy, nil)

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if res, _ := c.Get(ctx, "k"); res.Found {
		t.Errorf("key still served from %s after delete", res.Tier)
	}
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	persistent := NewMemoryBackend(2, nil)
	lazy := newCountingBackend()
	_ = lazy.MemoryBackend.Set(ctx, "session:a", []byte("a"), time.Minute)
	_ = lazy.MemoryBackend.Set(ctx, "session:b", []byte("b"), time.Minute)

	c := newTestCache(persistent, lazy, nil)

	warmed, err := c.Warm(ctx, []string{"session:a", "session:b", "session:missing"})
	if err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if warmed != 2 {
		t.Errorf("warmed = %d, want 2", warmed)
	}

	if s := c.Stats(); s.Total() != 0 || s.Promotions != 2 {
		t.Errorf("warming must not count as gets: %+v", s)
	}
	if res, _ := c.Get(ctx, "session:a"); res.Tier != engine.TierPersistent {
		t.Errorf("warmed key served from %s, want persistent", res.Tier)
	}
}

func TestGetCancelledContext(t *testing.T) {
	c := newTestCache(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStatsRates(t *testing.T) {
	s := Stats{PersistentHits: 6, LazyFallbacks: 1, MemoryFallbacks: 1, Misses: 2}

	if s.Total() != 10 {
		t.Errorf("Total = %d", s.Total())
	}
	if s.HitRate() != 0.8 {
		t.Errorf("HitRate = %v, want 0.8", s.HitRate())
	}
	if s.PersistentHitRate() != 0.6 {
		t.Errorf("PersistentHitRate = %v, want 0.6", s.PersistentHitRate())
	}
	if s.FallbackRate() != 0.2 {
		t.Errorf("FallbackRate = %v, want 0.2", s.FallbackRate())
	}
	if (Stats{}).HitRate() != 0 {
		t.Errorf("empty stats must report zero rates")
	}
}
