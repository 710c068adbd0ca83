package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groupcart/groupcart/internal/domain"
)

// Idempotency keys are deterministic per participant and intent, so a retried
// charge or refund presented to the gateway cannot double-apply.
func chargeKey(participantID string) string { return "charge:" + participantID }
func refundKey(participantID string) string { return "refund:" + participantID }

// Charge runs a payment for the participant's recorded amount. The gateway
// call happens outside the session lock; the result is applied in a second,
// separately locked step that re-validates the participant, guarding against
// a concurrent leave. Charging an already paid participant is a no-op.
//
// A gateway decline marks the participant failed; a transport error leaves it
// pending. Either way the caller may retry, and neither path removes the
// participant.
func (r *Registry) Charge(ctx context.Context, participantID, method string) error {
	// Step 1, locked: apply due deadline transitions, then validate and
	// snapshot the charge request.
	p, err := r.parts.GetByID(ctx, participantID)
	if err != nil {
		return fmt.Errorf("engine: charge %s: %w", participantID, err)
	}

	lk := r.lockFor(p.SessionID)
	lk.Lock()
	req, proceed, dueEvents, dueObligations, err := r.prepareChargeLocked(ctx, p.SessionID, participantID, method)
	lk.Unlock()

	r.emit(ctx, dueEvents...)
	r.settleRefunds(ctx, dueObligations)
	if err != nil || !proceed {
		return err
	}

	// Step 2, unlocked: the slow external call.
	result, gwErr := r.gateway.Charge(ctx, req)

	// Step 3, locked: apply the result to current state.
	lk.Lock()
	events, obligations, err := r.applyChargeLocked(ctx, p.ID, result, gwErr)
	lk.Unlock()

	r.emit(ctx, events...)
	r.settleRefunds(ctx, obligations)
	return err
}

// prepareChargeLocked is the first locked step of Charge. Deadline transitions
// run first, so a charge arriving after the payment deadline finds its
// participant already forced out. The returned events and obligations belong
// to those transitions; the caller flushes them after unlocking regardless of
// the outcome.
func (r *Registry) prepareChargeLocked(ctx context.Context, sessionID, participantID, method string) (domain.ChargeRequest, bool, []domain.Event, []domain.RefundObligation, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return domain.ChargeRequest{}, false, nil, nil, fmt.Errorf("engine: charge %s: %w", participantID, err)
	}
	events, obligations, err := r.evaluateLocked(ctx, &s, r.clock.Now())
	if err != nil {
		return domain.ChargeRequest{}, false, events, obligations, fmt.Errorf("engine: charge %s: %w", participantID, err)
	}
	r.refreshSnapshot(ctx, s)

	p, err := r.parts.GetByID(ctx, participantID)
	if err != nil {
		return domain.ChargeRequest{}, false, events, obligations, fmt.Errorf("engine: charge %s: %w", participantID, err)
	}
	if !p.Active() {
		return domain.ChargeRequest{}, false, events, obligations,
			fmt.Errorf("engine: charge %s: %w", participantID, domain.ErrNotParticipating)
	}
	if p.PaymentStatus == domain.PaymentStatusPaid {
		return domain.ChargeRequest{}, false, events, obligations, nil
	}

	req := domain.ChargeRequest{
		IdempotencyKey: chargeKey(p.ID),
		ParticipantID:  p.ID,
		SessionID:      p.SessionID,
		UserID:         p.UserID,
		AmountCents:    p.PaymentAmountCents,
		Method:         method,
	}
	return req, true, events, obligations, nil
}

func (r *Registry) applyChargeLocked(ctx context.Context, participantID string, result domain.PaymentResult, gwErr error) ([]domain.Event, []domain.RefundObligation, error) {
	p, err := r.parts.GetByID(ctx, participantID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: charge %s: reload: %w", participantID, err)
	}
	now := r.clock.Now()

	if gwErr != nil {
		// Transport failure: paymentStatus stays pending, safe to retry.
		r.logger.ErrorContext(ctx, "charge transport failure",
			slog.String("participant_id", p.ID),
			slog.String("session_id", p.SessionID),
			slog.String("error", gwErr.Error()),
		)
		return []domain.Event{
				r.newEvent(domain.EventChargeFailed, p.SessionID, p.ID, p.UserID, map[string]any{
					"reason": gwErr.Error(),
				}),
			}, nil,
			fmt.Errorf("engine: charge %s: %w: %v", participantID, domain.ErrPaymentFailed, gwErr)
	}

	if result.Declined || !result.Accepted {
		p.PaymentStatus = domain.PaymentStatusFailed
		if err := r.parts.Update(ctx, p); err != nil {
			return nil, nil, fmt.Errorf("engine: charge %s: mark failed: %w", participantID, err)
		}
		return []domain.Event{
				r.newEvent(domain.EventChargeFailed, p.SessionID, p.ID, p.UserID, map[string]any{
					"reason":    result.Message,
					"reference": result.Reference,
				}),
			}, nil,
			fmt.Errorf("engine: charge %s: %w: %s", participantID, domain.ErrPaymentFailed, result.Message)
	}

	// The charge landed. If the participant left while the gateway call was
	// in flight, the money must go straight back.
	if !p.Active() {
		p.PaymentStatus = domain.PaymentStatusPaid
		p.PaidAt = &now
		if err := r.parts.Update(ctx, p); err != nil {
			return nil, nil, fmt.Errorf("engine: charge %s: %w", participantID, err)
		}
		ob, err := r.enqueueRefundLocked(ctx, p, "charge landed after leave", now)
		if err != nil {
			return nil, nil, err
		}
		r.logger.WarnContext(ctx, "charge landed after leave, refunding",
			slog.String("participant_id", p.ID),
			slog.String("session_id", p.SessionID),
		)
		return []domain.Event{
			r.newEvent(domain.EventChargeSucceeded, p.SessionID, p.ID, p.UserID, map[string]any{
				"amount_cents": p.PaymentAmountCents,
				"reference":    result.Reference,
				"refunding":    true,
			}),
		}, []domain.RefundObligation{ob}, nil
	}

	p.PaymentStatus = domain.PaymentStatusPaid
	p.Status = domain.ParticipantStatusConfirmed
	p.PaidAt = &now
	if err := r.parts.Update(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("engine: charge %s: mark paid: %w", participantID, err)
	}

	events := []domain.Event{
		r.newEvent(domain.EventChargeSucceeded, p.SessionID, p.ID, p.UserID, map[string]any{
			"amount_cents": p.PaymentAmountCents,
			"reference":    result.Reference,
		}),
	}

	// A confirmed session may now have every participant settled.
	s, err := r.sessions.GetByID(ctx, p.SessionID)
	if err != nil {
		return events, nil, fmt.Errorf("engine: charge %s: load session: %w", participantID, err)
	}
	evts, err := r.maybeStartProcessingLocked(ctx, &s, now)
	if err != nil {
		return events, nil, err
	}
	events = append(events, evts...)
	r.refreshSnapshot(ctx, s)

	r.logger.InfoContext(ctx, "charge succeeded",
		slog.String("participant_id", p.ID),
		slog.String("session_id", p.SessionID),
		slog.Int64("amount_cents", p.PaymentAmountCents),
	)
	return events, nil, nil
}

// Refund refunds a paid participant on explicit request. Only valid while
// paymentStatus is paid; a refund that the gateway rejects is parked in the
// outbox and retried until settled.
func (r *Registry) Refund(ctx context.Context, participantID, reason string) error {
	p, err := r.parts.GetByID(ctx, participantID)
	if err != nil {
		return fmt.Errorf("engine: refund %s: %w", participantID, err)
	}

	lk := r.lockFor(p.SessionID)
	lk.Lock()
	ob, settleNow, dueEvents, dueObligations, err := r.prepareRefundLocked(ctx, p.SessionID, participantID, reason)
	lk.Unlock()

	r.emit(ctx, dueEvents...)
	for _, other := range dueObligations {
		if !settleNow || other.ID != ob.ID {
			r.settleRefund(ctx, other)
		}
	}
	if err != nil || !settleNow {
		return err
	}

	if settled := r.settleRefund(ctx, ob); !settled {
		return fmt.Errorf("engine: refund %s: %w: queued for retry", participantID, domain.ErrRefundFailed)
	}
	return nil
}

// prepareRefundLocked is the locked step of Refund. Deadline transitions run
// first; when one of them already created this participant's refund
// obligation, that obligation is settled instead of enqueueing a duplicate.
func (r *Registry) prepareRefundLocked(ctx context.Context, sessionID, participantID, reason string) (domain.RefundObligation, bool, []domain.Event, []domain.RefundObligation, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return domain.RefundObligation{}, false, nil, nil, fmt.Errorf("engine: refund %s: %w", participantID, err)
	}
	events, obligations, err := r.evaluateLocked(ctx, &s, r.clock.Now())
	if err != nil {
		return domain.RefundObligation{}, false, events, obligations, fmt.Errorf("engine: refund %s: %w", participantID, err)
	}
	r.refreshSnapshot(ctx, s)

	p, err := r.parts.GetByID(ctx, participantID)
	if err != nil {
		return domain.RefundObligation{}, false, events, obligations, fmt.Errorf("engine: refund %s: %w", participantID, err)
	}
	if p.PaymentStatus == domain.PaymentStatusRefunded {
		return domain.RefundObligation{}, false, events, obligations, nil
	}
	if p.PaymentStatus != domain.PaymentStatusPaid {
		return domain.RefundObligation{}, false, events, obligations,
			fmt.Errorf("engine: refund %s: %w: payment status %s",
				participantID, domain.ErrRefundFailed, p.PaymentStatus)
	}

	for _, due := range obligations {
		if due.ParticipantID == participantID {
			return due, true, events, obligations, nil
		}
	}
	ob, err := r.enqueueRefundLocked(ctx, p, reason, r.clock.Now())
	if err != nil {
		return domain.RefundObligation{}, false, events, obligations, err
	}
	return ob, true, events, obligations, nil
}

// enqueueRefundLocked records a refund obligation in the outbox. The outbox
// entry exists before any gateway attempt, so a crash between enqueue and
// settle can never lose the obligation.
func (r *Registry) enqueueRefundLocked(ctx context.Context, p domain.Participant, reason string, now time.Time) (domain.RefundObligation, error) {
	ob := domain.RefundObligation{
		ID:            uuid.New().String(),
		ParticipantID: p.ID,
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		AmountCents:   p.PaymentAmountCents,
		Reason:        reason,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := r.outbox.Enqueue(ctx, ob); err != nil {
		return domain.RefundObligation{}, fmt.Errorf("engine: enqueue refund for %s: %w", p.ID, err)
	}
	return ob, nil
}

// settleRefunds attempts each obligation once, synchronously. Failures stay
// in the outbox for the retry worker.
func (r *Registry) settleRefunds(ctx context.Context, obligations []domain.RefundObligation) {
	for _, ob := range obligations {
		r.settleRefund(ctx, ob)
	}
}

// SettleRefund attempts one gateway refund for the obligation and applies the
// result. It returns true when the refund landed. On failure the obligation
// is rescheduled with exponential backoff; the outbox worker calls this again
// when the attempt comes due.
func (r *Registry) SettleRefund(ctx context.Context, ob domain.RefundObligation) bool {
	return r.settleRefund(ctx, ob)
}

func (r *Registry) settleRefund(ctx context.Context, ob domain.RefundObligation) bool {
	req := domain.RefundRequest{
		IdempotencyKey: refundKey(ob.ParticipantID),
		ParticipantID:  ob.ParticipantID,
		SessionID:      ob.SessionID,
		UserID:         ob.UserID,
		AmountCents:    ob.AmountCents,
		Reason:         ob.Reason,
	}

	result, gwErr := r.gateway.Refund(ctx, req)

	lk := r.lockFor(ob.SessionID)
	lk.Lock()
	events, err := r.applyRefundLocked(ctx, ob, result, gwErr)
	lk.Unlock()

	r.emit(ctx, events...)
	if err != nil {
		r.logger.ErrorContext(ctx, "refund attempt failed",
			slog.String("participant_id", ob.ParticipantID),
			slog.String("session_id", ob.SessionID),
			slog.Int("attempts", ob.Attempts+1),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// refundBackoff returns the delay before the next refund attempt, doubling
// from 30 seconds and capping at one hour.
func refundBackoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func (r *Registry) applyRefundLocked(ctx context.Context, ob domain.RefundObligation, result domain.PaymentResult, gwErr error) ([]domain.Event, error) {
	now := r.clock.Now()

	if gwErr != nil || !result.Accepted {
		msg := result.Message
		if gwErr != nil {
			msg = gwErr.Error()
		}
		next := now.Add(refundBackoff(ob.Attempts))
		if err := r.outbox.MarkAttempt(ctx, ob.ID, next, msg); err != nil {
			return nil, fmt.Errorf("engine: refund %s: mark attempt: %w", ob.ParticipantID, err)
		}
		return []domain.Event{
				r.newEvent(domain.EventRefundFailed, ob.SessionID, ob.ParticipantID, ob.UserID, map[string]any{
					"reason":       msg,
					"attempts":     ob.Attempts + 1,
					"next_attempt": next,
				}),
			},
			fmt.Errorf("engine: refund %s: %w: %s", ob.ParticipantID, domain.ErrRefundFailed, msg)
	}

	p, err := r.parts.GetByID(ctx, ob.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("engine: refund %s: reload: %w", ob.ParticipantID, err)
	}
	p.PaymentStatus = domain.PaymentStatusRefunded
	if err := r.parts.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("engine: refund %s: mark refunded: %w", ob.ParticipantID, err)
	}
	if err := r.outbox.MarkSettled(ctx, ob.ID, now); err != nil {
		return nil, fmt.Errorf("engine: refund %s: mark settled: %w", ob.ParticipantID, err)
	}

	r.logger.InfoContext(ctx, "refund settled",
		slog.String("participant_id", ob.ParticipantID),
		slog.String("session_id", ob.SessionID),
		slog.Int64("amount_cents", ob.AmountCents),
	)
	return []domain.Event{
		r.newEvent(domain.EventRefundSucceeded, ob.SessionID, ob.ParticipantID, ob.UserID, map[string]any{
			"amount_cents": ob.AmountCents,
			"reference":    result.Reference,
		}),
	}, nil
}
