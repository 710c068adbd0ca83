package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/engine"
)

const outboxBatchSize = 50

// OutboxWorker drains the refund outbox on a ticker. Obligations that fail at
// the gateway stay queued with a pushed-back NextAttemptAt, so the worker only
// ever sees entries that are due.
type OutboxWorker struct {
	registry *engine.Registry
	outbox   domain.RefundOutboxStore
	clock    domain.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewOutboxWorker creates an OutboxWorker polling at the given interval.
func NewOutboxWorker(registry *engine.Registry, outbox domain.RefundOutboxStore, clock domain.Clock, interval time.Duration, logger *slog.Logger) *OutboxWorker {
	return &OutboxWorker{
		registry: registry,
		outbox:   outbox,
		clock:    clock,
		interval: interval,
		logger:   logger.With(slog.String("component", "refund_outbox")),
	}
}

// Run drains due obligations once immediately, then on every tick until ctx
// is cancelled. It returns nil on clean shutdown.
func (w *OutboxWorker) Run(ctx context.Context) error {
	w.logger.Info("refund outbox worker starting", slog.Duration("interval", w.interval))

	if err := w.DrainOnce(ctx); err != nil {
		w.logger.Error("outbox drain failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("refund outbox worker stopped")
			return nil
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("outbox drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainOnce settles every currently due obligation. Batches repeat until a
// pass comes back short, so a backlog clears in a single call.
func (w *OutboxWorker) DrainOnce(ctx context.Context) error {
	for {
		due, err := w.outbox.ListDue(ctx, w.clock.Now(), outboxBatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		settled := 0
		for _, ob := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.registry.SettleRefund(ctx, ob) {
				settled++
			}
		}
		w.logger.Info("outbox pass complete",
			slog.Int("due", len(due)),
			slog.Int("settled", settled),
		)

		if len(due) < outboxBatchSize {
			return nil
		}
	}
}
