package train

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Run drives the session with a real-time ticker until the context is
// cancelled. Each tick advances the simulation by the measured wall-clock
// interval since the previous tick, so delayed ticks are caught up rather
// than lost.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.updates.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if err := s.Tick(ctx, elapsed); err != nil {
				s.updates.Wait()
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return fmt.Errorf("tick: %w", err)
			}
		}
	}
}

// RunEpisodes drives the session headlessly, feeding every tick a synthetic
// elapsed interval of one tick period, until the given number of episodes
// has finished. All dispatched updates complete before it returns.
func (s *Session) RunEpisodes(ctx context.Context, episodes int) error {
	if episodes <= 0 {
		return fmt.Errorf("episodes must be positive, got %d", episodes)
	}
	target := s.episodesDone.Load() + int64(episodes)
	for s.episodesDone.Load() < target {
		if err := s.Tick(ctx, s.cfg.TickPeriod); err != nil {
			s.updates.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("tick: %w", err)
		}
	}
	s.updates.Wait()
	return nil
}
