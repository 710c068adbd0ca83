// Package deadline computes time-window state for sessions: how long remains,
// whether recruitment is open, and whether the confirmation or payment
// deadline has passed. All functions are pure over an explicit reference
// time; nothing here reads the global clock.
package deadline

import (
	"fmt"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

// ValidateTimeline checks the ordering of a session's deadlines:
// recruitmentStart < recruitmentEnd <= confirmationDeadline < paymentDeadline.
// Violations return domain.ErrInvalidTimeline and block session creation.
func ValidateTimeline(spec domain.SessionSpec) error {
	if spec.RecruitmentStart.IsZero() || spec.RecruitmentEnd.IsZero() ||
		spec.ConfirmationDeadline.IsZero() || spec.PaymentDeadline.IsZero() {
		return fmt.Errorf("%w: all deadlines must be set", domain.ErrInvalidTimeline)
	}
	if !spec.RecruitmentStart.Before(spec.RecruitmentEnd) {
		return fmt.Errorf("%w: recruitment start %s is not before end %s",
			domain.ErrInvalidTimeline, spec.RecruitmentStart.Format(time.RFC3339), spec.RecruitmentEnd.Format(time.RFC3339))
	}
	if spec.ConfirmationDeadline.Before(spec.RecruitmentEnd) {
		return fmt.Errorf("%w: confirmation deadline precedes recruitment end", domain.ErrInvalidTimeline)
	}
	if !spec.ConfirmationDeadline.Before(spec.PaymentDeadline) {
		return fmt.Errorf("%w: payment deadline must follow confirmation deadline", domain.ErrInvalidTimeline)
	}
	if !spec.DeliveryStart.IsZero() && !spec.DeliveryEnd.IsZero() && spec.DeliveryEnd.Before(spec.DeliveryStart) {
		return fmt.Errorf("%w: delivery window is inverted", domain.ErrInvalidTimeline)
	}
	return nil
}

// TimeRemaining returns the time left in the recruitment window, floored at
// zero. Once the session has left recruitment it reports the time to the next
// relevant deadline (payment deadline for confirmed sessions), again floored
// at zero.
func TimeRemaining(s domain.Session, now time.Time) time.Duration {
	var until time.Time
	switch s.Status {
	case domain.SessionStatusRecruiting, domain.SessionStatusFull:
		until = s.RecruitmentEnd
	case domain.SessionStatusConfirmed:
		until = s.PaymentDeadline
	default:
		return 0
	}
	d := until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsRecruitmentOpen reports whether a join may be admitted: now must lie in
// [recruitmentStart, recruitmentEnd) and the session must still be recruiting.
func IsRecruitmentOpen(s domain.Session, now time.Time) bool {
	if s.Status != domain.SessionStatusRecruiting {
		return false
	}
	return !now.Before(s.RecruitmentStart) && now.Before(s.RecruitmentEnd)
}

// IsConfirmationDue reports whether the session's fate must now be decided:
// recruitment has closed while the session is still recruiting or full. The
// confirmation deadline never delays the decision; it only bounds when
// confirmed participants must be told to pay.
func IsConfirmationDue(s domain.Session, now time.Time) bool {
	if s.Status != domain.SessionStatusRecruiting && s.Status != domain.SessionStatusFull {
		return false
	}
	return !now.Before(s.RecruitmentEnd)
}

// IsPaymentDue reports whether the payment window has closed on a confirmed
// session, forcing still-unpaid participants out.
func IsPaymentDue(s domain.Session, now time.Time) bool {
	return s.Status == domain.SessionStatusConfirmed && !now.Before(s.PaymentDeadline)
}
