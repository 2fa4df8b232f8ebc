package specimen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the Sweeper runs when none is configured.
const DefaultSweepInterval = 5 * time.Minute

// SweepExpired moves past-expiry specimens to expired as the system actor.
// It processes batches until none remain and returns how many it expired.
// A specimen modified concurrently is left for the next sweep.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.now()
		batch, err := s.repo.ListPastExpiry(ctx, now, s.cfg.SweepBatch)
		if err != nil {
			return total, fmt.Errorf("list past-expiry specimens: %w", err)
		}
		expired := 0
		for _, cur := range batch {
			if err := ctx.Err(); err != nil {
				s.metrics.AddSweepExpired(total + expired)
				return total + expired, err
			}
			if err := cur.CheckIntegrity(); err != nil {
				s.logger.Error().Err(err).Str("specimen_id", cur.SpecimenID).Msg("corrupted specimen record")
				continue
			}
			wctx, cancel := s.writeContext(ctx)
			_, err := s.expire(wctx, cur, now)
			cancel()
			if err != nil {
				if !errors.Is(err, ErrConcurrentModification) {
					s.logger.Warn().Err(err).Str("specimen_id", cur.SpecimenID).Msg("failed to expire specimen")
				}
				continue
			}
			expired++
		}
		total += expired
		// A batch with no progress would be re-listed forever.
		if len(batch) < s.cfg.SweepBatch || expired == 0 {
			break
		}
	}
	s.metrics.AddSweepExpired(total)
	return total, nil
}

// ScopeFunc runs fn once per storage scope, for example once for every site
// schema, with ctx bound to that scope.
type ScopeFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	scope    ScopeFunc
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger.With().Str("component", "expiry_sweeper").Logger()}
}

// SetScope makes every sweep run once per scope instead of once against the
// repository's default scope.
func (sw *Sweeper) SetScope(scope ScopeFunc) {
	sw.scope = scope
}

// Start sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.run(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.run(ctx)
		}
	}
}

// RunOnce performs a single sweep across every scope and returns the total
// number of specimens expired.
func (sw *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if sw.scope == nil {
		return sw.svc.SweepExpired(ctx)
	}
	total := 0
	err := sw.scope(ctx, func(ctx context.Context) error {
		n, err := sw.svc.SweepExpired(ctx)
		total += n
		return err
	})
	return total, err
}

func (sw *Sweeper) run(ctx context.Context) {
	n, err := sw.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.logger.Error().Err(err).Msg("expiry sweep failed")
		}
		return
	}
	if n > 0 {
		sw.logger.Info().Int("expired", n).Msg("expiry sweep complete")
	}
}
