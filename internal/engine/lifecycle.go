package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/groupcart/groupcart/internal/deadline"
	"github.com/groupcart/groupcart/internal/domain"
)

// evaluateLocked applies every due deadline-driven transition to the session.
// It mutates and persists the session and affected participants, and returns
// the lifecycle events plus any refund obligations created along the way.
// The caller must hold the session lock and must emit the events and settle
// the obligations only after releasing it.
//
// Re-applying an already satisfied trigger is a no-op, never an error.
func (r *Registry) evaluateLocked(ctx context.Context, s *domain.Session, now time.Time) ([]domain.Event, []domain.RefundObligation, error) {
	var events []domain.Event
	var obligations []domain.RefundObligation

	// recruiting -> full the moment the hard cap is reached. Reaching
	// TargetSize alone leaves the session recruiting; only MaxGroupSize or
	// the deadline forces a status change.
	if s.Status == domain.SessionStatusRecruiting && s.CurrentSize == s.MaxGroupSize {
		s.Status = domain.SessionStatusFull
		s.UpdatedAt = now
		if err := r.sessions.Update(ctx, *s); err != nil {
			return events, obligations, fmt.Errorf("engine: mark full %s: %w", s.ID, err)
		}
		events = append(events, r.newEvent(domain.EventSessionFull, s.ID, "", "", map[string]any{
			"current_size": s.CurrentSize,
		}))
	}

	// Recruitment closed: the session's fate is decided by accumulated size.
	if deadline.IsConfirmationDue(*s, now) {
		if s.CurrentSize >= s.TargetSize {
			evts, err := r.confirmLocked(ctx, s, now)
			if err != nil {
				return events, obligations, err
			}
			events = append(events, evts...)
		} else {
			evts, obs, err := r.cancelLocked(ctx, s, now, "target size not reached by recruitment end")
			if err != nil {
				return events, obligations, err
			}
			events = append(events, evts...)
			obligations = append(obligations, obs...)
		}
	}

	// Payment deadline: participants still unpaid are forced out; the
	// survivors make the set final and the session moves to processing.
	if deadline.IsPaymentDue(*s, now) {
		evts, obs, err := r.closePaymentWindowLocked(ctx, s, now)
		if err != nil {
			return events, obligations, err
		}
		events = append(events, evts...)
		obligations = append(obligations, obs...)
	}

	// confirmed -> processing as soon as every active participant has
	// settled, even before the payment deadline.
	if s.Status == domain.SessionStatusConfirmed {
		evts, err := r.maybeStartProcessingLocked(ctx, s, now)
		if err != nil {
			return events, obligations, err
		}
		events = append(events, evts...)
	}

	return events, obligations, nil
}

// confirmLocked transitions recruiting|full -> confirmed. Participants remain
// pending until they pay; the payment deadline is their cutoff.
func (r *Registry) confirmLocked(ctx context.Context, s *domain.Session, now time.Time) ([]domain.Event, error) {
	if s.Status != domain.SessionStatusRecruiting && s.Status != domain.SessionStatusFull {
		return nil, nil
	}
	s.Status = domain.SessionStatusConfirmed
	s.ConfirmedAt = &now
	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, *s); err != nil {
		return nil, fmt.Errorf("engine: confirm %s: %w", s.ID, err)
	}

	r.logger.InfoContext(ctx, "session confirmed",
		slog.String("session_id", s.ID),
		slog.Int("current_size", s.CurrentSize),
		slog.Int("target_size", s.TargetSize),
	)
	return []domain.Event{
		r.newEvent(domain.EventSessionConfirmed, s.ID, "", "", map[string]any{
			"current_size":     s.CurrentSize,
			"target_size":      s.TargetSize,
			"payment_deadline": s.PaymentDeadline,
		}),
	}, nil
}

// cancelLocked transitions any non-terminal session to cancelled, cancels
// every active participant, and creates refund obligations for the paid ones.
func (r *Registry) cancelLocked(ctx context.Context, s *domain.Session, now time.Time, reason string) ([]domain.Event, []domain.RefundObligation, error) {
	if s.Status.Terminal() {
		return nil, nil, nil
	}

	parts, err := r.parts.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: cancel %s: list participants: %w", s.ID, err)
	}

	var events []domain.Event
	var obligations []domain.RefundObligation

	for _, p := range parts {
		if !p.Active() {
			continue
		}
		p.Status = domain.ParticipantStatusCancelled
		p.CancelledAt = &now
		p.LeaveReason = reason
		if err := r.parts.Update(ctx, p); err != nil {
			return events, obligations, fmt.Errorf("engine: cancel %s: participant %s: %w", s.ID, p.ID, err)
		}
		if p.PaymentStatus == domain.PaymentStatusPaid {
			ob, err := r.enqueueRefundLocked(ctx, p, reason, now)
			if err != nil {
				return events, obligations, err
			}
			obligations = append(obligations, ob)
		}
	}

	s.CurrentSize = 0
	s.Status = domain.SessionStatusCancelled
	s.CancelledAt = &now
	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, *s); err != nil {
		return events, obligations, fmt.Errorf("engine: cancel %s: %w", s.ID, err)
	}

	r.logger.InfoContext(ctx, "session cancelled",
		slog.String("session_id", s.ID),
		slog.String("reason", reason),
		slog.Int("refunds_enqueued", len(obligations)),
	)
	events = append(events, r.newEvent(domain.EventSessionCancelled, s.ID, "", "", map[string]any{
		"reason":  reason,
		"refunds": len(obligations),
	}))
	return events, obligations, nil
}

// closePaymentWindowLocked forcibly cancels participants still unpaid at the
// payment deadline. Paid-but-cancelled stragglers (a charge that landed after
// a leave) are already handled by the charge path; here only unpaid active
// participants are removed.
func (r *Registry) closePaymentWindowLocked(ctx context.Context, s *domain.Session, now time.Time) ([]domain.Event, []domain.RefundObligation, error) {
	if s.Status != domain.SessionStatusConfirmed {
		return nil, nil, nil
	}

	parts, err := r.parts.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: close payment window %s: %w", s.ID, err)
	}

	var events []domain.Event
	var obligations []domain.RefundObligation
	removed := 0

	for _, p := range parts {
		if !p.Active() || p.PaymentStatus == domain.PaymentStatusPaid {
			continue
		}
		p.Status = domain.ParticipantStatusCancelled
		p.CancelledAt = &now
		p.LeaveReason = "unpaid at payment deadline"
		if err := r.parts.Update(ctx, p); err != nil {
			return events, obligations, fmt.Errorf("engine: close payment window %s: participant %s: %w", s.ID, p.ID, err)
		}
		s.CurrentSize -= p.Quantity
		removed++
		events = append(events, r.newEvent(domain.EventParticipantLeft, s.ID, p.ID, p.UserID, map[string]any{
			"reason":   "unpaid at payment deadline",
			"quantity": p.Quantity,
		}))
	}

	if removed > 0 {
		s.UpdatedAt = now
		if err := r.sessions.Update(ctx, *s); err != nil {
			return events, obligations, fmt.Errorf("engine: close payment window %s: %w", s.ID, err)
		}
		r.logger.InfoContext(ctx, "unpaid participants removed at payment deadline",
			slog.String("session_id", s.ID),
			slog.Int("removed", removed),
		)
	}

	// Nobody paid: there is no group left to fulfil.
	if s.CurrentSize == 0 {
		evts, obs, err := r.cancelLocked(ctx, s, now, "no paid participants at payment deadline")
		return append(events, evts...), append(obligations, obs...), err
	}

	evts, err := r.maybeStartProcessingLocked(ctx, s, now)
	return append(events, evts...), obligations, err
}

// maybeStartProcessingLocked moves confirmed -> processing once every active
// participant has settled (paid, or refunded after an edge-case refund).
func (r *Registry) maybeStartProcessingLocked(ctx context.Context, s *domain.Session, now time.Time) ([]domain.Event, error) {
	if s.Status != domain.SessionStatusConfirmed {
		return nil, nil
	}

	parts, err := r.parts.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: start processing %s: %w", s.ID, err)
	}

	active := 0
	for _, p := range parts {
		if !p.Active() {
			continue
		}
		active++
		if p.PaymentStatus != domain.PaymentStatusPaid && p.PaymentStatus != domain.PaymentStatusRefunded {
			return nil, nil
		}
	}
	if active == 0 {
		return nil, nil
	}

	s.Status = domain.SessionStatusProcessing
	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, *s); err != nil {
		return nil, fmt.Errorf("engine: start processing %s: %w", s.ID, err)
	}

	r.logger.InfoContext(ctx, "session processing",
		slog.String("session_id", s.ID),
		slog.Int("participants", active),
	)
	return []domain.Event{
		r.newEvent(domain.EventSessionProcessing, s.ID, "", "", map[string]any{
			"participants": active,
		}),
	}, nil
}

// Cancel is the explicit organizer/administrative cancellation, valid from
// any non-terminal state. Cancelling an already cancelled session is a no-op.
func (r *Registry) Cancel(ctx context.Context, sessionID, reason string) error {
	lk := r.lockFor(sessionID)
	lk.Lock()

	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		lk.Unlock()
		return fmt.Errorf("engine: cancel session %s: %w", sessionID, err)
	}
	if s.Status == domain.SessionStatusCancelled {
		lk.Unlock()
		return nil
	}
	if s.Status == domain.SessionStatusCompleted {
		lk.Unlock()
		return fmt.Errorf("engine: cancel session %s: already completed: %w", sessionID, domain.ErrInvalidStatus)
	}

	now := r.clock.Now()
	events, obligations, err := r.cancelLocked(ctx, &s, now, reason)
	if err == nil {
		r.refreshSnapshot(ctx, s)
	}
	lk.Unlock()
	if err != nil {
		return err
	}

	r.emit(ctx, events...)
	r.settleRefunds(ctx, obligations)
	return nil
}

// CompleteFulfillment is the external fulfillment signal moving processing ->
// completed. The participant set is final at this point. Completing an
// already completed session is a no-op.
func (r *Registry) CompleteFulfillment(ctx context.Context, sessionID string) error {
	lk := r.lockFor(sessionID)
	lk.Lock()

	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		lk.Unlock()
		return fmt.Errorf("engine: complete %s: %w", sessionID, err)
	}
	if s.Status == domain.SessionStatusCompleted {
		lk.Unlock()
		return nil
	}
	if s.Status != domain.SessionStatusProcessing {
		lk.Unlock()
		return fmt.Errorf("engine: complete %s: status %s is not processing: %w", sessionID, s.Status, domain.ErrInvalidStatus)
	}

	now := r.clock.Now()
	s.Status = domain.SessionStatusCompleted
	s.UpdatedAt = now
	if err := r.sessions.Update(ctx, s); err != nil {
		lk.Unlock()
		return fmt.Errorf("engine: complete %s: %w", sessionID, err)
	}
	r.refreshSnapshot(ctx, s)
	lk.Unlock()

	r.emit(ctx, r.newEvent(domain.EventSessionCompleted, sessionID, "", "", nil))
	r.logger.InfoContext(ctx, "session completed", slog.String("session_id", sessionID))
	return nil
}
