package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SessionStore persists sessions. The engine never deletes session records;
// archival is an external retention policy.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Update(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id string) (Session, error)
	// ListActive returns sessions in a non-terminal status, for the sweeper.
	ListActive(ctx context.Context, opts ListOpts) ([]Session, error)
	ListByStatus(ctx context.Context, status SessionStatus, opts ListOpts) ([]Session, error)
	// ListTerminalBefore returns completed/cancelled sessions whose last
	// update predates cutoff, for the archiver.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, opts ListOpts) ([]Session, error)
	Count(ctx context.Context) (int64, error)
}

// ParticipantStore persists participant records. Records are append-mostly;
// cancellation mutates status, never removes rows.
type ParticipantStore interface {
	Create(ctx context.Context, p Participant) error
	Update(ctx context.Context, p Participant) error
	GetByID(ctx context.Context, id string) (Participant, error)
	// GetActive returns the user's non-cancelled participant in a session,
	// or ErrNotFound.
	GetActive(ctx context.Context, sessionID, userID string) (Participant, error)
	ListBySession(ctx context.Context, sessionID string) ([]Participant, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Participant, error)
}

// RefundOutboxStore persists refund obligations awaiting settlement.
type RefundOutboxStore interface {
	Enqueue(ctx context.Context, ob RefundObligation) error
	// ListDue returns unsettled obligations whose NextAttemptAt is not after
	// now, ordered oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]RefundObligation, error)
	// MarkAttempt records a failed attempt and reschedules.
	MarkAttempt(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error
	MarkSettled(ctx context.Context, id string, settledAt time.Time) error
	CountPending(ctx context.Context) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
