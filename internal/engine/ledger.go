package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/groupcart/groupcart/internal/domain"
)

// Join admits a user into a session. Admission, capacity reservation, and
// participant creation form one critical section under the session lock;
// deadline-driven transitions are re-applied on entry so a stale session can
// never admit past its recruitment end.
func (r *Registry) Join(ctx context.Context, sessionID, userID string, quantity int, variants map[string]string) (domain.Participant, error) {
	lk := r.lockFor(sessionID)
	lk.Lock()

	p, events, obligations, err := r.joinLocked(ctx, sessionID, userID, quantity, variants)
	lk.Unlock()

	r.emit(ctx, events...)
	r.settleRefunds(ctx, obligations)

	if err != nil {
		// Every rejected admission is reported, not swallowed.
		r.logger.InfoContext(ctx, "join rejected",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID),
			slog.Int("quantity", quantity),
			slog.String("reason", err.Error()),
		)
		if r.audit != nil {
			_ = r.audit.Log(ctx, "join_rejected", map[string]any{
				"session_id": sessionID,
				"user_id":    userID,
				"quantity":   quantity,
				"reason":     err.Error(),
			})
		}
		return domain.Participant{}, err
	}

	r.logger.InfoContext(ctx, "participant joined",
		slog.String("session_id", sessionID),
		slog.String("participant_id", p.ID),
		slog.String("user_id", userID),
		slog.Int("quantity", quantity),
		slog.Int64("amount_cents", p.PaymentAmountCents),
	)
	return p, nil
}

func (r *Registry) joinLocked(ctx context.Context, sessionID, userID string, quantity int, variants map[string]string) (domain.Participant, []domain.Event, []domain.RefundObligation, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return domain.Participant{}, nil, nil, fmt.Errorf("engine: join %s: %w", sessionID, err)
	}

	now := r.clock.Now()
	events, obligations, err := r.evaluateLocked(ctx, &s, now)
	if err != nil {
		return domain.Participant{}, events, obligations, err
	}

	// One active participant record per user per session.
	if _, err := r.parts.GetActive(ctx, sessionID, userID); err == nil {
		return domain.Participant{}, events, obligations,
			fmt.Errorf("engine: join %s: user %s: %w", sessionID, userID, domain.ErrAlreadyParticipating)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Participant{}, events, obligations, fmt.Errorf("engine: join %s: %w", sessionID, err)
	}

	adm, err := tryAdmit(&s, quantity, now)
	if err != nil {
		return domain.Participant{}, events, obligations, fmt.Errorf("engine: join %s: %w", sessionID, err)
	}

	p := domain.Participant{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		UserID:           userID,
		Quantity:         quantity,
		SelectedVariants: variants,
		Status:           domain.ParticipantStatusPending,
		PaymentStatus:    domain.PaymentStatusPending,
		// Priced from the break matching the session size after admission.
		PaymentAmountCents: int64(quantity) * adm.UnitPriceCents,
		PriceTier:          adm.Tier,
		JoinedAt:           now,
	}

	if err := r.parts.Create(ctx, p); err != nil {
		return domain.Participant{}, events, obligations, fmt.Errorf("engine: join %s: create participant: %w", sessionID, err)
	}

	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, s); err != nil {
		return domain.Participant{}, events, obligations, fmt.Errorf("engine: join %s: update session: %w", sessionID, err)
	}

	events = append(events, r.newEvent(domain.EventParticipantJoined, sessionID, p.ID, userID, map[string]any{
		"quantity":     quantity,
		"current_size": s.CurrentSize,
		"amount_cents": p.PaymentAmountCents,
		"price_tier":   adm.Tier,
	}))

	// Filling the last slot flips the session to full in the same critical
	// section.
	if s.Status == domain.SessionStatusRecruiting && s.CurrentSize == s.MaxGroupSize {
		s.Status = domain.SessionStatusFull
		if err := r.sessions.Update(ctx, s); err != nil {
			return domain.Participant{}, events, obligations, fmt.Errorf("engine: join %s: mark full: %w", sessionID, err)
		}
		events = append(events, r.newEvent(domain.EventSessionFull, sessionID, "", "", map[string]any{
			"current_size": s.CurrentSize,
		}))
	}

	r.refreshSnapshot(ctx, s)
	return p, events, obligations, nil
}

// Leave cancels the caller's active participant and releases their capacity.
// A paid leaver gets a refund obligation which is settled immediately after
// the lock is released and retried by the outbox worker on failure.
func (r *Registry) Leave(ctx context.Context, sessionID, userID, reason string) error {
	lk := r.lockFor(sessionID)
	lk.Lock()

	events, obligations, err := r.leaveLocked(ctx, sessionID, userID, reason)
	lk.Unlock()

	r.emit(ctx, events...)
	r.settleRefunds(ctx, obligations)
	return err
}

func (r *Registry) leaveLocked(ctx context.Context, sessionID, userID, reason string) ([]domain.Event, []domain.RefundObligation, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: leave %s: %w", sessionID, err)
	}

	now := r.clock.Now()
	events, obligations, err := r.evaluateLocked(ctx, &s, now)
	if err != nil {
		return events, obligations, err
	}

	p, err := r.parts.GetActive(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return events, obligations,
				fmt.Errorf("engine: leave %s: user %s: %w", sessionID, userID, domain.ErrNotParticipating)
		}
		return events, obligations, fmt.Errorf("engine: leave %s: %w", sessionID, err)
	}

	p.Status = domain.ParticipantStatusCancelled
	p.CancelledAt = &now
	p.LeaveReason = reason
	if err := r.parts.Update(ctx, p); err != nil {
		return events, obligations, fmt.Errorf("engine: leave %s: update participant: %w", sessionID, err)
	}

	s.CurrentSize -= p.Quantity
	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, s); err != nil {
		return events, obligations, fmt.Errorf("engine: leave %s: update session: %w", sessionID, err)
	}

	events = append(events, r.newEvent(domain.EventParticipantLeft, sessionID, p.ID, userID, map[string]any{
		"reason":       reason,
		"quantity":     p.Quantity,
		"current_size": s.CurrentSize,
	}))

	if p.PaymentStatus == domain.PaymentStatusPaid {
		ob, err := r.enqueueRefundLocked(ctx, p, "participant left", now)
		if err != nil {
			return events, obligations, err
		}
		obligations = append(obligations, ob)
	}

	r.refreshSnapshot(ctx, s)

	r.logger.InfoContext(ctx, "participant left",
		slog.String("session_id", sessionID),
		slog.String("participant_id", p.ID),
		slog.String("user_id", userID),
		slog.Int("quantity", p.Quantity),
	)
	return events, obligations, nil
}
