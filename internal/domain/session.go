package domain

import (
	"time"
)

// SessionStatus tracks the group-purchase session lifecycle.
type SessionStatus string

const (
	SessionStatusRecruiting SessionStatus = "recruiting"
	SessionStatusFull       SessionStatus = "full"
	SessionStatusConfirmed  SessionStatus = "confirmed"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// PriceBreak maps a quantity range to a fixed per-unit price. MaxQuantity of
// zero means the break is open-ended.
type PriceBreak struct {
	MinQuantity int   `json:"min_quantity"`
	MaxQuantity int   `json:"max_quantity,omitempty"`
	PriceCents  int64 `json:"price_cents"`
}

// Contains reports whether the given quantity falls inside the break.
func (b PriceBreak) Contains(quantity int) bool {
	if quantity < b.MinQuantity {
		return false
	}
	return b.MaxQuantity == 0 || quantity <= b.MaxQuantity
}

// Session is one group-purchase campaign: a capacity, a price-break schedule,
// and a recruitment window driving a deadline-based state machine.
//
// CurrentSize is derived state: it always equals the sum of quantities of
// participants whose status is not cancelled. It is mutated only by the
// engine under the per-session lock, never by callers.
type Session struct {
	ID          string
	ProductID   string
	OrganizerID string
	Title       string

	TargetSize   int // quantity needed for the group discount to hold
	MaxGroupSize int // hard cap
	CurrentSize  int

	RecruitmentStart     time.Time
	RecruitmentEnd       time.Time
	ConfirmationDeadline time.Time
	PaymentDeadline      time.Time
	DeliveryStart        time.Time // informational only
	DeliveryEnd          time.Time // informational only

	PriceBreaks []PriceBreak

	Status      SessionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
}

// Progress returns recruitment progress toward TargetSize as a percentage
// clamped to [0, 100].
func (s Session) Progress() int {
	if s.TargetSize <= 0 {
		return 0
	}
	pct := s.CurrentSize * 100 / s.TargetSize
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Remaining returns the number of slots left before the hard cap.
func (s Session) Remaining() int {
	r := s.MaxGroupSize - s.CurrentSize
	if r < 0 {
		return 0
	}
	return r
}

// SessionSpec is the organizer-supplied description of a new session. The
// registry validates the pricing table and timeline before admitting it.
type SessionSpec struct {
	ProductID   string
	OrganizerID string
	Title       string

	TargetSize   int
	MaxGroupSize int

	RecruitmentStart     time.Time
	RecruitmentEnd       time.Time
	ConfirmationDeadline time.Time
	PaymentDeadline      time.Time
	DeliveryStart        time.Time
	DeliveryEnd          time.Time

	PriceBreaks []PriceBreak
}
