package domain

import (
	"context"
	"time"
)

// ChargeRequest describes a single charge attempt against the external
// payment gateway. IdempotencyKey is deterministic per participant+intent so
// a retried charge cannot double-apply.
type ChargeRequest struct {
	IdempotencyKey string
	ParticipantID  string
	SessionID      string
	UserID         string
	AmountCents    int64
	Method         string
}

// RefundRequest describes a refund of a previously captured charge.
type RefundRequest struct {
	IdempotencyKey string
	ParticipantID  string
	SessionID      string
	UserID         string
	AmountCents    int64
	Reason         string
}

// PaymentResult is the gateway's verdict on a charge or refund. A transport
// error is returned separately as an error; Declined means the gateway
// answered and said no.
type PaymentResult struct {
	Accepted  bool
	Declined  bool
	Reference string // gateway-side transaction reference
	Message   string
}

// PaymentGateway abstracts the external, possibly slow, possibly failing
// payment processor. Implementations must be safe for concurrent use and must
// honour idempotency keys. Gateway calls are never made while a session lock
// is held.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentResult, error)
}

// RefundObligation is one pending refund in the outbox. A refund that the
// gateway rejects or that fails in transit stays here and is retried with
// exponential backoff until it lands; an unrefunded cancelled participant is
// a financial liability, never silently dropped.
type RefundObligation struct {
	ID            string
	ParticipantID string
	SessionID     string
	UserID        string
	AmountCents   int64
	Reason        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SettledAt     *time.Time
}
