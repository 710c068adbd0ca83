package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

func TestJoinAccumulatesAndPrices(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(30, 50))

	// First joiner lands in the base tier.
	p1 := env.join(t, s.ID, "alice", 5)
	if p1.PaymentAmountCents != 5*9999 {
		t.Errorf("alice amount = %d, want %d", p1.PaymentAmountCents, 5*9999)
	}
	if p1.PriceTier != 0 {
		t.Errorf("alice tier = %d, want 0", p1.PriceTier)
	}

	// Second joiner pushes accumulated quantity to 15: tier 1 unit price.
	p2 := env.join(t, s.ID, "bob", 10)
	if p2.PaymentAmountCents != 10*8999 {
		t.Errorf("bob amount = %d, want %d", p2.PaymentAmountCents, 10*8999)
	}
	if p2.PriceTier != 1 {
		t.Errorf("bob tier = %d, want 1", p2.PriceTier)
	}

	// The earlier commitment is not repriced.
	if got := env.participant(t, p1.ID); got.PaymentAmountCents != 5*9999 {
		t.Errorf("alice repriced to %d", got.PaymentAmountCents)
	}

	env.checkSizeInvariant(t, s.ID)
}

// Boundary quantities select exactly one break, and the selection depends
// only on accumulated quantity.
func TestJoinPricingBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		preload  int // quantity already admitted
		quantity int
		wantUnit int64
		wantTier int
	}{
		{name: "first unit", quantity: 1, wantUnit: 9999, wantTier: 0},
		{name: "last of base tier", preload: 8, quantity: 1, wantUnit: 9999, wantTier: 0},
		{name: "first of second tier", preload: 9, quantity: 1, wantUnit: 8999, wantTier: 1},
		{name: "last of second tier", preload: 18, quantity: 1, wantUnit: 8999, wantTier: 1},
		{name: "first of third tier", preload: 19, quantity: 1, wantUnit: 8699, wantTier: 2},
		{name: "open-ended tier", preload: 29, quantity: 1, wantUnit: 8499, wantTier: 3},
		{name: "straddling join priced at landing tier", preload: 5, quantity: 10, wantUnit: 8999, wantTier: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.createSession(t, testSpec(30, 50))
			if tt.preload > 0 {
				env.join(t, s.ID, "preload", tt.preload)
			}

			p := env.join(t, s.ID, "subject", tt.quantity)
			if p.PaymentAmountCents != int64(tt.quantity)*tt.wantUnit {
				t.Errorf("amount = %d, want %d", p.PaymentAmountCents, int64(tt.quantity)*tt.wantUnit)
			}
			if p.PriceTier != tt.wantTier {
				t.Errorf("tier = %d, want %d", p.PriceTier, tt.wantTier)
			}
		})
	}
}

func TestJoinRejections(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(5, 10))
	ctx := context.Background()

	if _, err := env.registry.Join(ctx, s.ID, "alice", 0, nil); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("zero quantity error = %v, want ErrInvalidQuantity", err)
	}
	if _, err := env.registry.Join(ctx, s.ID, "alice", -2, nil); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("negative quantity error = %v, want ErrInvalidQuantity", err)
	}
	if _, err := env.registry.Join(ctx, s.ID, "alice", 11, nil); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Errorf("oversized quantity error = %v, want ErrCapacityExceeded", err)
	}
	if _, err := env.registry.Join(ctx, "missing", "alice", 1, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing session error = %v, want ErrNotFound", err)
	}

	env.join(t, s.ID, "alice", 2)
	if _, err := env.registry.Join(ctx, s.ID, "alice", 1, nil); !errors.Is(err, domain.ErrAlreadyParticipating) {
		t.Errorf("second join error = %v, want ErrAlreadyParticipating", err)
	}

	// A rejected join admits nothing.
	env.checkSizeInvariant(t, s.ID)
	if got := env.session(t, s.ID); got.CurrentSize != 2 {
		t.Errorf("CurrentSize = %d, want 2", got.CurrentSize)
	}
}

func TestJoinAfterRecruitmentEndCancelsUnderTarget(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(10, 50))
	env.join(t, s.ID, "alice", 2)

	// The deadline passed with the target unmet. The next locked entry
	// applies the cancellation before considering the admission.
	env.clock.Set(testBase.Add(25 * time.Hour))
	_, err := env.registry.Join(context.Background(), s.ID, "bob", 1, nil)
	if !errors.Is(err, domain.ErrSessionNotRecruiting) {
		t.Fatalf("late join error = %v, want ErrSessionNotRecruiting", err)
	}

	if got := env.session(t, s.ID); got.Status != domain.SessionStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestJoinFillsToCapacityFlipsFull(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(3, 5))

	env.join(t, s.ID, "alice", 3)
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusRecruiting {
		t.Fatalf("status at target = %s, want recruiting (only the cap flips)", got.Status)
	}

	env.join(t, s.ID, "bob", 2)
	if got := env.session(t, s.ID); got.Status != domain.SessionStatusFull {
		t.Fatalf("status at cap = %s, want full", got.Status)
	}
	if env.events.count(domain.EventSessionFull) != 1 {
		t.Errorf("session_full events = %d, want 1", env.events.count(domain.EventSessionFull))
	}

	if _, err := env.registry.Join(context.Background(), s.ID, "carol", 1, nil); !errors.Is(err, domain.ErrSessionNotRecruiting) {
		t.Errorf("join on full session error = %v, want ErrSessionNotRecruiting", err)
	}
}

// With one slot left, exactly one of many concurrent joins wins.
func TestConcurrentJoinNoOversell(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(30, 50))
	env.join(t, s.ID, "preload", 49)

	const contenders = 16
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.registry.Join(context.Background(), s.ID, userN(i), 1, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, domain.ErrCapacityExceeded) && !errors.Is(err, domain.ErrSessionNotRecruiting) {
			t.Errorf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	got := env.session(t, s.ID)
	if got.CurrentSize != 50 {
		t.Errorf("CurrentSize = %d, want 50", got.CurrentSize)
	}
	if got.Status != domain.SessionStatusFull {
		t.Errorf("status = %s, want full", got.Status)
	}
	env.checkSizeInvariant(t, s.ID)
}

func TestLeaveReleasesCapacity(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(10, 50))
	env.join(t, s.ID, "alice", 5)
	env.join(t, s.ID, "bob", 3)
	ctx := context.Background()

	if err := env.registry.Leave(ctx, s.ID, "alice", "changed my mind"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	got := env.session(t, s.ID)
	if got.CurrentSize != 3 {
		t.Errorf("CurrentSize = %d, want 3", got.CurrentSize)
	}
	env.checkSizeInvariant(t, s.ID)

	// The record survives as cancelled; it is not deleted.
	parts, _ := env.parts.ListBySession(ctx, s.ID)
	if len(parts) != 2 {
		t.Fatalf("participant records = %d, want 2", len(parts))
	}

	// An unpaid leaver triggers no refund.
	if n, _ := env.outbox.CountPending(ctx); n != 0 {
		t.Errorf("pending refunds = %d, want 0", n)
	}

	if err := env.registry.Leave(ctx, s.ID, "alice", "again"); !errors.Is(err, domain.ErrNotParticipating) {
		t.Errorf("second leave error = %v, want ErrNotParticipating", err)
	}
	if err := env.registry.Leave(ctx, s.ID, "stranger", ""); !errors.Is(err, domain.ErrNotParticipating) {
		t.Errorf("stranger leave error = %v, want ErrNotParticipating", err)
	}
}

// A leaver who had already paid gets exactly one refund gateway call.
func TestLeaveAfterPaymentRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(10, 50))
	p := env.join(t, s.ID, "alice", 5)
	ctx := context.Background()

	if err := env.registry.Charge(ctx, p.ID, "card"); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := env.registry.Leave(ctx, s.ID, "alice", "refund me"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if n := env.gateway.callCount("refund:" + p.ID); n != 1 {
		t.Errorf("refund gateway calls = %d, want 1", n)
	}
	got := env.participant(t, p.ID)
	if got.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", got.PaymentStatus)
	}
	if got.Status != domain.ParticipantStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if n, _ := env.outbox.CountPending(ctx); n != 0 {
		t.Errorf("pending refunds = %d, want 0", n)
	}
	env.checkSizeInvariant(t, s.ID)
}

// Leaving does not revert a full session to recruiting.
func TestLeaveKeepsFullStatus(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, testSpec(3, 5))
	env.join(t, s.ID, "alice", 3)
	env.join(t, s.ID, "bob", 2)

	if err := env.registry.Leave(context.Background(), s.ID, "bob", ""); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	got := env.session(t, s.ID)
	if got.Status != domain.SessionStatusFull {
		t.Errorf("status after leave = %s, want full", got.Status)
	}
	if got.CurrentSize != 3 {
		t.Errorf("CurrentSize = %d, want 3", got.CurrentSize)
	}
}
