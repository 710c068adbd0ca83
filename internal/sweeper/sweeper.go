// Package sweeper drives deadline-based session transitions on a timer.
//
// Deadlines are enforced on every locked engine entry, so the sweeper exists
// for promptness rather than correctness: a session with no traffic still
// confirms, cancels, or closes its payment window shortly after the deadline
// passes. One sweeper runs per fleet, elected through a distributed lock.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/engine"
)

const (
	defaultInterval = 30 * time.Second
	leaderKey       = "sweeper:leader"
)

// Archiver exports terminal sessions out of the hot store. The sweeper calls
// it after each sweep so archival piggybacks on the same leader election.
type Archiver interface {
	ArchiveTerminal(ctx context.Context) (int, error)
}

// Sweeper periodically advances deadline-driven session state.
type Sweeper struct {
	registry *engine.Registry
	locks    domain.LockManager // nil runs unlocked (single instance)
	archiver Archiver           // nil disables archival
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Sweeper. A nil LockManager skips leader election, which is
// only safe when a single instance runs.
func New(registry *engine.Registry, locks domain.LockManager, archiver Archiver, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		registry: registry,
		locks:    locks,
		archiver: archiver,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled. Cancellation is a clean shutdown, not an error.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "sweeper: starting",
		slog.Duration("interval", s.interval),
	)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper: stopping")
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce acquires fleet leadership for the duration of one pass. Losing
// the election is the normal case on all but one instance.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, leaderKey, s.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return
			}
			s.logger.WarnContext(ctx, "sweeper: lock acquire failed",
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	if err := s.registry.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweeper: sweep failed",
			slog.String("error", err.Error()),
		)
	}

	if s.archiver == nil {
		return
	}
	n, err := s.archiver.ArchiveTerminal(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweeper: archive failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sweeper: archived sessions",
			slog.Int("count", n),
		)
	}
}
