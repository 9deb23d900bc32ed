package cache

import "sync/atomic"

// counters are updated with atomic operations only; no lock guards them.
type counters struct {
	persistentHits  atomic.Uint64
	lazyFallbacks   atomic.Uint64
	memoryFallbacks atomic.Uint64
	misses          atomic.Uint64

	persistentErrors atomic.Uint64
	lazyErrors       atomic.Uint64
	writeDegraded    atomic.Uint64
	promotions       atomic.Uint64
	sets             atomic.Uint64
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	PersistentHits  uint64 `json:"persistent_hits"`
	LazyFallbacks   uint64 `json:"lazy_fallbacks"`
	MemoryFallbacks uint64 `json:"memory_fallbacks"`
	Misses          uint64 `json:"misses"`

	PersistentErrors uint64 `json:"persistent_errors"`
	LazyErrors       uint64 `json:"lazy_errors"`
	WriteDegraded    uint64 `json:"write_degraded"`
	Promotions       uint64 `json:"promotions"`
	Sets             uint64 `json:"sets"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		PersistentHits:   c.persistentHits.Load(),
		LazyFallbacks:    c.lazyFallbacks.Load(),
		MemoryFallbacks:  c.memoryFallbacks.Load(),
		Misses:           c.misses.Load(),
		PersistentErrors: c.persistentErrors.Load(),
		LazyErrors:       c.lazyErrors.Load(),
		WriteDegraded:    c.writeDegraded.Load(),
		Promotions:       c.promotions.Load(),
		Sets:             c.sets.Load(),
	}
}

// Total is the number of Get calls observed. Each Get increments exactly one of
// the four outcome counters.
func (s Stats) Total() uint64 {
	return s.PersistentHits + s.LazyFallbacks + s.MemoryFallbacks + s.Misses
}

// HitRate is the fraction of gets served by any tier.
func (s Stats) HitRate() float64 {
	return s.ratio(s.Total() - s.Misses)
}

// PersistentHitRate is the fraction of gets served by the persistent tier.
func (s Stats) PersistentHitRate() float64 {
	return s.ratio(s.PersistentHits)
}

// FallbackRate is the fraction of gets served by the lazy or memory tier.
func (s Stats) FallbackRate() float64 {
	return s.ratio(s.LazyFallbacks + s.MemoryFallbacks)
}

func (s Stats) ratio(n uint64) float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
