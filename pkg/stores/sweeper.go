package stores

import (
	"context"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/rs/zerolog"
)

// Sweeper periodically reclaims expired records. Reads already hide expired
// records, so sweeping only bounds storage growth.
type Sweeper struct {
	store    engine.Store
	interval time.Duration
	logger   zerolog.Logger

	// OnSweep, when set, is called after each pass with the counts that remain.
	OnSweep func(removed int64, counts map[string]int)
}

// NewSweeper creates a sweeper. An interval of zero defaults to one minute.
func NewSweeper(store engine.Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// SweepOnce runs a single reclamation pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Debug().Int64("removed", removed).Msg("Expired records reclaimed")
	}

	if s.OnSweep != nil {
		counts, err := s.store.Counts(ctx)
		if err != nil {
			return removed, err
		}
		s.OnSweep(removed, counts)
	}
	return removed, nil
}
