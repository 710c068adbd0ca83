// Package payment provides payment-gateway implementations and the refund
// outbox worker that retries failed refunds until they settle.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupcart/groupcart/internal/domain"
)

// SimulatedGateway models an external processor for demo deployments and
// paper runs: a configurable latency, a configurable decline rate, and full
// idempotency-key bookkeeping so replays return the original result instead
// of double-applying.
type SimulatedGateway struct {
	latency     time.Duration
	declineRate float64 // 0.0 .. 1.0
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[string]domain.PaymentResult // idempotency key -> settled result
}

// NewSimulatedGateway creates a SimulatedGateway.
func NewSimulatedGateway(latency time.Duration, declineRate float64, logger *slog.Logger) *SimulatedGateway {
	return &SimulatedGateway{
		latency:     latency,
		declineRate: declineRate,
		logger:      logger.With(slog.String("component", "simulated_gateway")),
		seen:        make(map[string]domain.PaymentResult),
	}
}

func (g *SimulatedGateway) process(ctx context.Context, key, kind string, amountCents int64) (domain.PaymentResult, error) {
	g.mu.Lock()
	if prev, ok := g.seen[key]; ok {
		g.mu.Unlock()
		return prev, nil
	}
	g.mu.Unlock()

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.PaymentResult{}, fmt.Errorf("payment: %s %s: %w", kind, key, ctx.Err())
		case <-timer.C:
		}
	}

	result := domain.PaymentResult{
		Accepted:  true,
		Reference: uuid.New().String(),
	}
	if g.declineRate > 0 && rand.Float64() < g.declineRate {
		result = domain.PaymentResult{
			Declined: true,
			Message:  "simulated decline",
		}
	}

	g.mu.Lock()
	g.seen[key] = result
	g.mu.Unlock()

	g.logger.DebugContext(ctx, "gateway call processed",
		slog.String("kind", kind),
		slog.String("key", key),
		slog.Int64("amount_cents", amountCents),
		slog.Bool("accepted", result.Accepted),
	)
	return result, nil
}

// Charge implements domain.PaymentGateway.
func (g *SimulatedGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.PaymentResult, error) {
	return g.process(ctx, req.IdempotencyKey, "charge", req.AmountCents)
}

// Refund implements domain.PaymentGateway.
func (g *SimulatedGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.PaymentResult, error) {
	return g.process(ctx, req.IdempotencyKey, "refund", req.AmountCents)
}

// Compile-time interface check.
var _ domain.PaymentGateway = (*SimulatedGateway)(nil)
