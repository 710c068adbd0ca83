package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

func TestSweepConfirmsAtDeadlineWhenTargetMet(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	env.join(t, s.ID, "alice", 3)
	env.join(t, s.ID, "bob", 2)
	ctx := context.Background()

	// Before the deadline nothing moves.
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusRecruiting {
		t.Fatalf("status before deadline = %s, want recruiting", got.Status)
	}

	env.clock.Set(testBase.Add(25 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if got.ConfirmedAt == nil {
		t.Error("ConfirmedAt not set")
	}
	if env.events.count(domain.EventSessionConfirmed) != 1 {
		t.Errorf("session_confirmed events = %d, want 1", env.events.count(domain.EventSessionConfirmed))
	}
}

func TestSweepCancelsAtDeadlineWhenTargetUnmet(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(10, 50))
	p1 := env.join(t, s.ID, "alice", 3)
	p2 := env.join(t, s.ID, "bob", 2)
	ctx := context.Background()

	// Alice prepaid before the session collapsed.
	if err := env.registry.Charge(ctx, p1.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	env.clock.Set(testBase.Add(25 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelledAt == nil {
		t.Error("CancelledAt not set")
	}
	if got.CurrentSize != 0 {
		t.Errorf("CurrentSize = %d, want 0", got.CurrentSize)
	}

	// Exactly the paid participant was refunded; the unpaid one was not.
	if n := env.gateway.callCount("refund:" + p1.ID); n != 1 {
		t.Errorf("alice refund calls = %d, want 1", n)
	}
	if n := env.gateway.callCount("refund:" + p2.ID); n != 0 {
		t.Errorf("bob refund calls = %d, want 0", n)
	}
	if got := env.participant(t, p1.ID); got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("alice payment status = %s, want refunded", got.PaymentStatus)
	}
	if got := env.participant(t, p2.ID); got.Status != domain.ParticipantStatusCancelled {
		t.Errorf("bob status = %s, want cancelled", got.Status)
	}
}

// The fate is decided the moment recruitment closes, even when the
// confirmation deadline lies further out.
func TestSweepDecidesAtRecruitmentEndDespiteLaterConfirmationDeadline(t *testing.T) {
	env := newTestEnv(t)
	spec := testSpec(30, 50)
	spec.ConfirmationDeadline = spec.RecruitmentEnd.Add(24 * time.Hour)
	spec.PaymentDeadline = spec.ConfirmationDeadline.Add(24 * time.Hour)
	s := env.createSession(t, spec)
	p := env.join(t, s.ID, "alice", 12)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	env.clock.Set(spec.RecruitmentEnd.Add(time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusCancelled {
		t.Fatalf("status one hour after recruitment end = %s, want cancelled", got.Status)
	}
	if n := env.gateway.callCount("refund:" + p.ID); n != 1 {
		t.Errorf("refund calls = %d, want 1", n)
	}

	// The mirror case: target met at recruitment end confirms immediately.
	spec2 := testSpec(5, 50)
	spec2.ConfirmationDeadline = spec2.RecruitmentEnd.Add(24 * time.Hour)
	spec2.PaymentDeadline = spec2.ConfirmationDeadline.Add(24 * time.Hour)
	s2 := env.createSession(t, spec2)
	env.clock.Set(testBase)
	env.join(t, s2.ID, "bob", 5)

	env.clock.Set(spec2.RecruitmentEnd.Add(time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := env.session(t, s2.ID); got.Status != domain.SessionStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	env.clock.Set(testBase.Add(25 * time.Hour))
	for i := 0; i < 3; i++ {
		if err := env.registry.Sweep(ctx); err != nil {
			t.Fatalf("Sweep #%d: %v", i+1, err)
		}
	}

	if got := env.session(t, s.ID); got.Status != domain.SessionStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if env.events.count(domain.EventSessionConfirmed) != 1 {
		t.Errorf("session_confirmed events = %d, want 1 despite repeated sweeps",
			env.events.count(domain.EventSessionConfirmed))
	}
}

// Deadline transitions do not depend on the sweep: any locked entry applies
// them first.
func TestDeadlineAppliedWithoutSweep(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	env.join(t, s.ID, "alice", 5)

	env.clock.Set(testBase.Add(25 * time.Hour))
	// A join attempt is enough to trigger the overdue confirmation.
	_, err := env.registry.Join(context.Background(), s.ID, "bob", 1, nil)
	if !errors.Is(err, domain.ErrSessionNotRecruiting) {
		t.Fatalf("late join error = %v, want ErrSessionNotRecruiting", err)
	}
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
}

func TestPaymentDeadlineRemovesUnpaid(t *testing.T) {
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
		t.Fatalf("Charge: %v", err)
	}

	// Bob never pays. The payment deadline forces him out and the survivors
	// proceed to processing.
	env.clock.Set(testBase.Add(49 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.CurrentSize != 3 {
		t.Errorf("CurrentSize = %d, want 3", got.CurrentSize)
	}
	env.checkSizeInvariant(t, s.ID)

	if got := env.participant(t, p2.ID); got.Status != domain.ParticipantStatusCancelled {
		t.Errorf("bob status = %s, want cancelled", got.Status)
	}
	// Unpaid removal owes nothing.
	if n := env.gateway.callCount("refund:" + p2.ID); n != 0 {
		t.Errorf("bob refund calls = %d, want 0", n)
	}
}

func TestPaymentDeadlineCancelsWhenNobodyPaid(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	env.clock.Set(testBase.Add(49 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := env.session(t, s.ID); got.Status != domain.SessionStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestProcessingStartsOnceAllPaid(t *testing.T) {
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
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusConfirmed {
		t.Fatalf("status with one unpaid = %s, want confirmed", got.Status)
	}

	// The last settlement moves the session forward, before any deadline.
	if err := env.registry.Charge(ctx, p2.ID, "card"); err != nil {
		t.Fatalf("Charge bob: %v", err)
	}
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusProcessing {
		t.Fatalf("status all paid = %s, want processing", got.Status)
	}
	if env.events.count(domain.EventSessionProcessing) != 1 {
		t.Errorf("session_processing events = %d, want 1", env.events.count(domain.EventSessionProcessing))
	}
}

func TestCancelRefundsPaidParticipants(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p1 := env.join(t, s.ID, "alice", 3)
	env.join(t, s.ID, "bob", 2)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p1.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := env.registry.Cancel(ctx, s.ID, "organizer pulled the product"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if n := env.gateway.callCount("refund:" + p1.ID); n != 1 {
		t.Errorf("refund calls = %d, want 1", n)
	}

	// Cancelling again is a no-op.
	if err := env.registry.Cancel(ctx, s.ID, "again"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if env.events.count(domain.EventSessionCancelled) != 1 {
		t.Errorf("session_cancelled events = %d, want 1", env.events.count(domain.EventSessionCancelled))
	}
}

func TestCompleteFulfillment(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	// Not processing yet.
	if err := env.registry.CompleteFulfillment(ctx, s.ID); err == nil {
		t.Fatal("CompleteFulfillment on recruiting session should fail")
	}

	env.clock.Set(testBase.Add(25 * time.Hour))
	if err := env.registry.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if err := env.registry.CompleteFulfillment(ctx, s.ID); err != nil {
		t.Fatalf("CompleteFulfillment: %v", err)
	}
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// Idempotent on completed, but a completed session cannot be cancelled.
	if err := env.registry.CompleteFulfillment(ctx, s.ID); err != nil {
		t.Fatalf("repeat CompleteFulfillment: %v", err)
	}
	if err := env.registry.Cancel(ctx, s.ID, "too late"); err == nil {
		t.Fatal("Cancel on completed session should fail")
	}
}
