package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

func TestChargeSuccess(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	got := env.participant(t, p.ID)
	if got.PaymentStatus != domain.PaymentStatusPaid {
		t.Errorf("payment status = %s, want paid", got.PaymentStatus)
	}
	if got.Status != domain.ParticipantStatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
	if got.PaidAt == nil {
		t.Error("PaidAt not set")
	}

	// Charging again is a no-op, not a second gateway call.
	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("repeat Charge: %v", err)
	}
	if n := env.gateway.callCount("charge:" + p.ID); n != 1 {
		t.Errorf("charge gateway calls = %d, want 1", n)
	}
}

func TestChargeDeclined(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	env.gateway.script("charge:"+p.ID, domain.PaymentResult{Declined: true, Message: "insufficient funds"}, nil)

	err := env.registry.Charge(ctx, p.ID, "card")
	if !errors.Is(err, domain.ErrPaymentFailed) {
		t.Fatalf("Charge error = %v, want ErrPaymentFailed", err)
	}

	got := env.participant(t, p.ID)
	if got.PaymentStatus != domain.PaymentStatusFailed {
		t.Errorf("payment status = %s, want failed", got.PaymentStatus)
	}
	// The decline does not remove the participant or release capacity.
	if !got.Active() {
		t.Error("declined participant should remain active")
	}
	env.checkSizeInvariant(t, s.ID)

	// A retry with a working card succeeds.
	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("retry Charge: %v", err)
	}
	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusPaid {
		t.Errorf("payment status after retry = %s, want paid", got.PaymentStatus)
	}
}

func TestChargeTransportErrorStaysPending(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	env.gateway.script("charge:"+p.ID, domain.PaymentResult{}, errors.New("connection reset"))

	err := env.registry.Charge(ctx, p.ID, "card")
	if !errors.Is(err, domain.ErrPaymentFailed) {
		t.Fatalf("Charge error = %v, want ErrPaymentFailed", err)
	}
	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusPending {
		t.Errorf("payment status = %s, want pending after transport error", got.PaymentStatus)
	}
}

// A charge that lands after the participant left is kept, then immediately
// refunded. Money is never silently absorbed.
func TestChargeAfterLeaveRefunds(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	// Simulate the race by applying the gateway result to a participant who
	// has already left.
	req := domain.ChargeRequest{IdempotencyKey: chargeKey(p.ID)}
	result, gwErr := env.gateway.Charge(ctx, req)

	if err := env.registry.Leave(ctx, s.ID, "alice", "changed my mind"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	lk := env.registry.lockFor(s.ID)
	lk.Lock()
	_, obligations, err := env.registry.applyChargeLocked(ctx, p.ID, result, gwErr)
	lk.Unlock()
	if err != nil {
		t.Fatalf("applyChargeLocked: %v", err)
	}
	if len(obligations) != 1 {
		t.Fatalf("obligations = %d, want 1", len(obligations))
	}
	env.registry.settleRefunds(ctx, obligations)

	got := env.participant(t, p.ID)
	if got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}
	if got.Status != domain.ParticipantStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	env.checkSizeInvariant(t, s.ID)
}

// A charge arriving after the payment deadline, before any sweep, must find
// its participant already forced out rather than collecting a dead payment.
func TestChargeAfterPaymentDeadlineRejected(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p1 := env.join(t, s.ID, "alice", 3)
	p2 := env.join(t, s.ID, "bob", 2)
	ctx := context.Background()

	env.clock.Set(testBase.Add(25 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := env.registry.Charge(ctx, p1.ID, "card"); err != nil {
		t.Fatalf("Charge alice: %v", err)
	}

	// No sweep runs; the late charge itself must apply the overdue deadline.
	env.clock.Set(testBase.Add(49 * time.Hour))
	err := env.registry.Charge(ctx, p2.ID, "card")
	if !errors.Is(err, domain.ErrNotParticipating) {
		t.Fatalf("late Charge error = %v, want ErrNotParticipating", err)
	}
	if n := env.gateway.callCount("charge:" + p2.ID); n != 0 {
		t.Errorf("bob charge gateway calls = %d, want 0", n)
	}

	if got := env.participant(t, p2.ID); got.Status != domain.ParticipantStatusCancelled {
		t.Errorf("bob status = %s, want cancelled", got.Status)
	}
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusProcessing {
		t.Errorf("session status = %s, want processing", got.Status)
	}
	env.checkSizeInvariant(t, s.ID)
}

// A refund request that itself triggers the overdue cancellation settles the
// obligation that cancellation created instead of enqueueing a duplicate.
func TestRefundAppliesOverdueCancellation(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(10, 50))
	p := env.join(t, s.ID, "alice", 3)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	// Recruitment ended under target; no sweep has run yet.
	env.clock.Set(testBase.Add(25 * time.Hour))
	if err := env.registry.Refund(ctx, p.ID, "want out"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	if got := env.session(t, s.ID); got.Status != domain.SessionStatusCancelled {
		t.Errorf("session status = %s, want cancelled", got.Status)
	}
	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}
	if n := env.gateway.callCount("refund:" + p.ID); n != 1 {
		t.Errorf("refund gateway calls = %d, want 1", n)
	}
	if n, _ := env.outbox.CountPending(ctx); n != 0 {
		t.Errorf("pending refunds = %d, want 0", n)
	}
}

func TestRefundRequiresPaid(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	if err := env.registry.Refund(ctx, p.ID, "no reason"); !errors.Is(err, domain.ErrRefundFailed) {
		t.Fatalf("Refund on unpaid error = %v, want ErrRefundFailed", err)
	}

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := env.registry.Refund(ctx, p.ID, "goodwill"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}

	// Refunding again is a no-op.
	if err := env.registry.Refund(ctx, p.ID, "again"); err != nil {
		t.Fatalf("repeat Refund: %v", err)
	}
	if n := env.gateway.callCount("refund:" + p.ID); n != 1 {
		t.Errorf("refund gateway calls = %d, want 1", n)
	}
}

// A refund the gateway rejects stays in the outbox with backed-off retries
// until it finally lands.
func TestRefundRetriesUntilSettled(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	// First two attempts fail at the gateway.
	env.gateway.script("refund:"+p.ID, domain.PaymentResult{}, errors.New("gateway timeout"))
	env.gateway.script("refund:"+p.ID, domain.PaymentResult{Message: "temporarily unavailable"}, nil)

	if err := env.registry.Leave(ctx, s.ID, "alice", "refund me"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	// The synchronous attempt failed; the obligation stays pending.
	if n, _ := env.outbox.CountPending(ctx); n != 1 {
		t.Fatalf("pending refunds = %d, want 1", n)
	}
	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want still paid", got.PaymentStatus)
	}

	// Not due yet: the backoff pushed the next attempt out.
	due, err := env.outbox.ListDue(ctx, env.clock.Now(), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due before backoff elapsed = %d, want 0", len(due))
	}

	// Second attempt, still failing. Backoff doubles.
	env.clock.Advance(31 * time.Second)
	due, _ = env.outbox.ListDue(ctx, env.clock.Now(), 10)
	if len(due) != 1 {
		t.Fatalf("due after first backoff = %d, want 1", len(due))
	}
	if env.registry.SettleRefund(ctx, due[0]) {
		t.Fatal("second attempt should fail")
	}

	env.clock.Advance(45 * time.Second)
	if due, _ = env.outbox.ListDue(ctx, env.clock.Now(), 10); len(due) != 0 {
		t.Fatalf("due before doubled backoff elapsed = %d, want 0", len(due))
	}

	// Third attempt succeeds.
	env.clock.Advance(20 * time.Second)
	due, _ = env.outbox.ListDue(ctx, env.clock.Now(), 10)
	if len(due) != 1 {
		t.Fatalf("due after doubled backoff = %d, want 1", len(due))
	}
	if !env.registry.SettleRefund(ctx, due[0]) {
		t.Fatal("third attempt should settle")
	}

	if got := env.participant(t, p.ID); got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}
	if n, _ := env.outbox.CountPending(ctx); n != 0 {
		t.Errorf("pending refunds = %d, want 0", n)
	}
	if n := env.gateway.callCount("refund:" + p.ID); n != 3 {
		t.Errorf("refund gateway calls = %d, want 3", n)
	}
}

func TestRefundBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := refundBackoff(tt.attempts); got != tt.want {
			t.Errorf("refundBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
