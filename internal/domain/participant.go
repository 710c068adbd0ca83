package domain

import "time"

// ParticipantStatus tracks one user's commitment within a session.
type ParticipantStatus string

const (
	ParticipantStatusPending   ParticipantStatus = "pending"
	ParticipantStatusConfirmed ParticipantStatus = "confirmed"
	ParticipantStatusCancelled ParticipantStatus = "cancelled"
)

// PaymentStatus tracks the money side of a participant record.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// Participant is one user's commitment (quantity + payment) within a session.
// Participants are never deleted; cancellation is a status change so the
// audit trail survives.
type Participant struct {
	ID        string
	SessionID string
	UserID    string

	Quantity         int
	SelectedVariants map[string]string // opaque to the engine

	Status        ParticipantStatus
	PaymentStatus PaymentStatus

	// PaymentAmountCents is fixed at join time from the price break matching
	// the session size after admission.
	PaymentAmountCents int64
	PriceTier          int

	JoinedAt    time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
	LeaveReason string
}

// Active reports whether the participant still contributes to the session's
// CurrentSize.
func (p Participant) Active() bool {
	return p.Status != ParticipantStatusCancelled
}
