package payment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/engine"
	"github.com/groupcart/groupcart/internal/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulatedGatewayIdempotency(t *testing.T) {
	g := NewSimulatedGateway(0, 0, discard())
	ctx := context.Background()

	req := domain.ChargeRequest{IdempotencyKey: "charge:p1", AmountCents: 4999}
	first, err := g.Charge(ctx, req)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !first.Accepted {
		t.Fatal("charge not accepted")
	}

	// The replay returns the recorded result, reference included.
	second, err := g.Charge(ctx, req)
	if err != nil {
		t.Fatalf("replay Charge: %v", err)
	}
	if second.Reference != first.Reference {
		t.Errorf("replay reference = %s, want %s", second.Reference, first.Reference)
	}
}

func TestSimulatedGatewayAlwaysDeclines(t *testing.T) {
	g := NewSimulatedGateway(0, 1.0, discard())
	res, err := g.Charge(context.Background(), domain.ChargeRequest{IdempotencyKey: "charge:p2"})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !res.Declined {
		t.Error("decline rate 1.0 should decline every charge")
	}
}

func TestOutboxWorkerDrainsDueRefunds(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	clock := domain.ClockFunc(func() time.Time { return now })

	sessions := memory.NewSessionStore()
	parts := memory.NewParticipantStore()
	outbox := memory.NewRefundOutboxStore()
	gateway := NewSimulatedGateway(0, 0, discard())

	registry := engine.New(sessions, parts, outbox, memory.NewAuditStore(), gateway, discard(), engine.Options{Clock: clock})

	s, err := registry.CreateSession(ctx, domain.SessionSpec{
		ProductID:            "prod-1",
		OrganizerID:          "org-1",
		TargetSize:           2,
		MaxGroupSize:         10,
		RecruitmentStart:     base,
		RecruitmentEnd:       base.Add(24 * time.Hour),
		ConfirmationDeadline: base.Add(24 * time.Hour),
		PaymentDeadline:      base.Add(48 * time.Hour),
		PriceBreaks:          []domain.PriceBreak{{MinQuantity: 1, PriceCents: 1500}},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	p, err := registry.Join(ctx, s.ID, "alice", 2, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	// Park an obligation directly, as if the synchronous attempt had failed
	// and backoff pushed it out.
	ob := domain.RefundObligation{
		ID:            "ob-1",
		ParticipantID: p.ID,
		SessionID:     s.ID,
		UserID:        "alice",
		AmountCents:   p.PaymentAmountCents,
		Reason:        "participant left",
		NextAttemptAt: base.Add(30 * time.Second),
		CreatedAt:     base,
	}
	if err := outbox.Enqueue(ctx, ob); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	worker := NewOutboxWorker(registry, outbox, clock, time.Second, discard())

	// Not yet due: nothing settles.
	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n, _ := outbox.CountPending(ctx); n != 1 {
		t.Fatalf("pending = %d, want 1 before due", n)
	}

	now = base.Add(time.Minute)
	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n, _ := outbox.CountPending(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0 after drain", n)
	}

	refreshed, err := parts.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", refreshed.PaymentStatus)
	}
}
