package specimen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// BulkResult summarizes a bulk transition. Per-specimen failures are not
// reported individually.
type BulkResult struct {
	MatchedCount  int `json:"matched_count"`
	ModifiedCount int `json:"modified_count"`
}

// BulkTransition moves every listed specimen to requested where the state
// machine allows it. Items that cannot move are skipped.
func (s *Service) BulkTransition(ctx context.Context, specimenIDs []string, requested Status, actor, notes string) (BulkResult, error) {
	return s.bulk(ctx, specimenIDs, requested, "", actor, notes)
}

// ReceiveSamples accepts collected specimens into the lab.
func (s *Service) ReceiveSamples(ctx context.Context, specimenIDs []string, actor, notes string) (BulkResult, error) {
	return s.bulk(ctx, specimenIDs, StatusInReceipt, StatusCollected, actor, notes)
}

// StartProcessing begins analysis of received specimens.
func (s *Service) StartProcessing(ctx context.Context, specimenIDs []string, actor, notes string) (BulkResult, error) {
	return s.bulk(ctx, specimenIDs, StatusProcessing, StatusInReceipt, actor, notes)
}

// CompleteProcessing finishes analysis of specimens in processing.
func (s *Service) CompleteProcessing(ctx context.Context, specimenIDs []string, actor, notes string) (BulkResult, error) {
	return s.bulk(ctx, specimenIDs, StatusCompleted, StatusProcessing, actor, notes)
}

func (s *Service) bulk(ctx context.Context, specimenIDs []string, target, precondition Status, actor, notes string) (BulkResult, error) {
	if actor == "" {
		return BulkResult{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if !target.Valid() {
		return BulkResult{}, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if target == StatusExpired {
		return BulkResult{}, fmt.Errorf("%w: status expired is set by the system only", ErrValidation)
	}
	if target == StatusRejected && strings.TrimSpace(notes) == "" {
		return BulkResult{}, fmt.Errorf("%w: notes are required as the rejection reason", ErrValidation)
	}

	ids := dedupeIDs(specimenIDs)
	start := time.Now()
	opts := TransitionOptions{Notes: notes, ExpiryWindow: s.cfg.ExpiryWindow}
	if target == StatusRejected {
		opts.RejectionReason = notes
	}

	var matched, modified atomic.Int64
	queue := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, id := range ids {
			select {
			case queue <- id:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < min(s.cfg.BulkWorkers, len(ids)); w++ {
		w := w
		g.Go(func() error {
			// The first worker keeps the request's own connection.
			wctx, release := gctx, func() {}
			if w > 0 {
				var err error
				if wctx, release, err = s.workerContext(gctx); err != nil {
					s.logger.Warn().Err(err).Int("worker", w).Msg("bulk worker not started")
					return nil
				}
			}
			defer release()
			for id := range queue {
				m, ok := s.bulkOne(wctx, id, target, precondition, actor, opts)
				if m {
					matched.Add(1)
				}
				if ok {
					modified.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	res := BulkResult{MatchedCount: int(matched.Load()), ModifiedCount: int(modified.Load())}
	s.metrics.ObserveBulk(string(target), start, res.ModifiedCount)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("bulk transition to %s: %w", target, err)
	}
	s.logger.Info().
		Str("target", string(target)).
		Str("actor", actor).
		Int("requested", len(ids)).
		Int("matched", res.MatchedCount).
		Int("modified", res.ModifiedCount).
		Dur("elapsed", time.Since(start)).
		Msg("bulk transition")
	return res, nil
}

// bulkOne applies one item of a bulk transition. A version conflict is
// resolved by re-reading and re-evaluating, so a write lands at most once.
func (s *Service) bulkOne(ctx context.Context, specimenID string, target, precondition Status, actor string, opts TransitionOptions) (matched, modified bool) {
	for attempt := 0; attempt <= s.cfg.BulkConflictRetries; attempt++ {
		if ctx.Err() != nil {
			return matched, false
		}
		matched = false
		err := func() error {
			wctx, cancel := s.writeContext(ctx)
			defer cancel()

			cur, err := s.load(wctx, specimenID)
			if err != nil {
				return err
			}
			now := s.now()
			if s.cfg.ExpiryPolicy == ExpiryLazy && cur.IsPastExpiry(now) {
				if _, err := s.expire(wctx, cur, now); err != nil {
					return err
				}
				return ErrTerminalState
			}
			if precondition != "" && cur.Status != precondition {
				return ErrInvalidState
			}
			matched = true

			delta, err := Transition(cur, target, actor, opts, now)
			if err != nil {
				return err
			}
			next := delta.Apply(cur)
			if err := s.repo.Update(wctx, next, cur.Version); err != nil {
				return err
			}
			s.metrics.ObserveTransition(string(delta.From), string(delta.To))
			ev := s.transitionEvent(cur, delta)
			ev.Version = next.Version
			s.publish(ctx, *ev)
			return nil
		}()
		if err == nil {
			return matched, true
		}
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidState) {
			s.metrics.ObserveFailure(failureReason(err))
			s.logger.Debug().Err(err).Str("specimen_id", specimenID).Str("target", string(target)).Msg("bulk item skipped")
		}
		return matched, false
	}
	s.metrics.ObserveFailure("conflict")
	s.logger.Warn().Str("specimen_id", specimenID).Str("target", string(target)).Msg("bulk item gave up after repeated conflicts")
	return matched, false
}

func (s *Service) workerContext(ctx context.Context) (context.Context, func(), error) {
	if ws, ok := s.repo.(WorkerScoper); ok {
		return ws.WorkerContext(ctx)
	}
	return ctx, func() {}, nil
}

// dedupeIDs trims, drops empties and removes duplicates, preserving order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
