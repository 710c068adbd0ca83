// Package engine implements the group-purchase coordination core: a registry
// of sessions, per-session admission control, the participant ledger, the
// deadline-driven lifecycle state machine, and the payment coordinator.
//
// All writes to one session happen under that session's lock; different
// sessions never contend. Payment gateway calls are made outside the lock and
// their results applied in a second, separately locked step.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupcart/groupcart/internal/deadline"
	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/pricing"
)

// Registry is the top-level coordination engine. It owns per-session locks
// and exposes the public operations consumed by transport layers.
type Registry struct {
	sessions domain.SessionStore
	parts    domain.ParticipantStore
	outbox   domain.RefundOutboxStore
	audit    domain.AuditStore
	gateway  domain.PaymentGateway
	sink     domain.EventSink
	snaps    domain.SnapshotCache // optional
	clock    domain.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options carries the optional collaborators of a Registry.
type Options struct {
	Sink          domain.EventSink
	SnapshotCache domain.SnapshotCache
	Clock         domain.Clock
}

// New creates a Registry. Sink and SnapshotCache may be nil; Clock defaults
// to the system clock.
func New(
	sessions domain.SessionStore,
	parts domain.ParticipantStore,
	outbox domain.RefundOutboxStore,
	audit domain.AuditStore,
	gateway domain.PaymentGateway,
	logger *slog.Logger,
	opts Options,
) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Registry{
		sessions: sessions,
		parts:    parts,
		outbox:   outbox,
		audit:    audit,
		gateway:  gateway,
		sink:     opts.Sink,
		snaps:    opts.SnapshotCache,
		clock:    clock,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// lockFor returns the mutex guarding the given session id, creating it on
// first use. Lock entries are never removed; sessions are archived externally
// and the per-id footprint is one mutex.
func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	lk, ok := r.locks[sessionID]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[sessionID] = lk
	}
	return lk
}

// CreateSession validates the requested pricing table and timeline and persists
// a new recruiting session. Configuration errors block creation; nothing is
// silently defaulted.
func (r *Registry) CreateSession(ctx context.Context, spec domain.SessionSpec) (domain.Session, error) {
	if spec.MaxGroupSize < 1 {
		return domain.Session{}, fmt.Errorf("engine: create session: %w: max group size %d",
			domain.ErrInvalidCapacity, spec.MaxGroupSize)
	}
	if spec.TargetSize < 1 || spec.TargetSize > spec.MaxGroupSize {
		return domain.Session{}, fmt.Errorf("engine: create session: %w: target size %d with max %d",
			domain.ErrInvalidCapacity, spec.TargetSize, spec.MaxGroupSize)
	}
	if err := pricing.Validate(spec.PriceBreaks, spec.MaxGroupSize); err != nil {
		return domain.Session{}, fmt.Errorf("engine: create session: %w", err)
	}
	if err := deadline.ValidateTimeline(spec); err != nil {
		return domain.Session{}, fmt.Errorf("engine: create session: %w", err)
	}

	now := r.clock.Now()
	s := domain.Session{
		ID:          uuid.New().String(),
		ProductID:   spec.ProductID,
		OrganizerID: spec.OrganizerID,
		Title:       spec.Title,

		TargetSize:   spec.TargetSize,
		MaxGroupSize: spec.MaxGroupSize,

		RecruitmentStart:     spec.RecruitmentStart,
		RecruitmentEnd:       spec.RecruitmentEnd,
		ConfirmationDeadline: spec.ConfirmationDeadline,
		PaymentDeadline:      spec.PaymentDeadline,
		DeliveryStart:        spec.DeliveryStart,
		DeliveryEnd:          spec.DeliveryEnd,

		PriceBreaks: spec.PriceBreaks,
		Status:      domain.SessionStatusRecruiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.sessions.Create(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("engine: create session: %w", err)
	}

	r.refreshSnapshot(ctx, s)
	r.emit(ctx, r.newEvent(domain.EventSessionCreated, s.ID, "", "", map[string]any{
		"product_id":     s.ProductID,
		"organizer_id":   s.OrganizerID,
		"target_size":    s.TargetSize,
		"max_group_size": s.MaxGroupSize,
	}))

	r.logger.InfoContext(ctx, "session created",
		slog.String("session_id", s.ID),
		slog.String("product_id", s.ProductID),
		slog.Int("target_size", s.TargetSize),
		slog.Int("max_group_size", s.MaxGroupSize),
	)
	return s, nil
}

// GetSession returns the authoritative session record.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("engine: get session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListSessions returns sessions filtered by status, or every active session
// when status is empty.
func (r *Registry) ListSessions(ctx context.Context, status domain.SessionStatus, opts domain.ListOpts) ([]domain.Session, error) {
	var (
		sessions []domain.Session
		err      error
	)
	if status == "" {
		sessions, err = r.sessions.ListActive(ctx, opts)
	} else {
		sessions, err = r.sessions.ListByStatus(ctx, status, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: list sessions: %w", err)
	}
	return sessions, nil
}

// ListUserParticipations returns the user's participant records across
// sessions, newest first.
func (r *Registry) ListUserParticipations(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Participant, error) {
	parts, err := r.parts.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: list participations %s: %w", userID, err)
	}
	return parts, nil
}

// ListParticipants returns every participant record of a session, cancelled
// ones included.
func (r *Registry) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	parts, err := r.parts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: list participants %s: %w", sessionID, err)
	}
	return parts, nil
}

// Progress returns recruitment progress toward the target size in percent,
// clamped to [0, 100]. Served from the snapshot cache when available; reads
// never take the session lock and may be momentarily stale.
func (r *Registry) Progress(ctx context.Context, sessionID string) (int, error) {
	if r.snaps != nil {
		if snap, err := r.snaps.Get(ctx, sessionID); err == nil {
			return snap.Progress, nil
		}
	}
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("engine: progress %s: %w", sessionID, err)
	}
	return s.Progress(), nil
}

// TimeRemaining reports the time left before the session's next deadline,
// floored at zero.
func (r *Registry) TimeRemaining(ctx context.Context, sessionID string, now time.Time) (time.Duration, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("engine: time remaining %s: %w", sessionID, err)
	}
	return deadline.TimeRemaining(s, now), nil
}

// CanJoin reports whether a join request could currently be admitted: the
// recruitment window is open, no due transition would close it, and capacity
// remains. Lock-free and advisory; the authoritative answer is Join itself.
func (r *Registry) CanJoin(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("engine: can join %s: %w", sessionID, err)
	}
	now := r.clock.Now()
	if deadline.IsConfirmationDue(s, now) {
		return false, nil
	}
	return deadline.IsRecruitmentOpen(s, now) && s.Remaining() > 0, nil
}

// Sweep applies deadline-driven transitions to every active session using the
// injected clock. It is idempotent: re-applying an already satisfied trigger
// is a no-op. Correctness does not depend on the sweep (deadlines are also
// re-checked on every locked entry); the sweep exists for promptness.
func (r *Registry) Sweep(ctx context.Context) error {
	return r.SweepAt(ctx, r.clock.Now())
}

// SweepAt is Sweep with an explicit reference time. The active-session IDs
// are snapshotted before any transition is applied: sweeping moves sessions
// out of the active set, and paginating the live set while shrinking it would
// skip every session an earlier page displaced.
func (r *Registry) SweepAt(ctx context.Context, now time.Time) error {
	const pageSize = 200

	var ids []string
	for offset := 0; ; offset += pageSize {
		active, err := r.sessions.ListActive(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("engine: sweep: list active: %w", err)
		}
		for _, s := range active {
			ids = append(ids, s.ID)
		}
		if len(active) < pageSize {
			break
		}
	}

	var firstErr error
	for _, id := range ids {
		if err := r.sweepSession(ctx, id, now); err != nil {
			r.logger.ErrorContext(ctx, "sweep session failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) sweepSession(ctx context.Context, sessionID string, now time.Time) error {
	lk := r.lockFor(sessionID)
	lk.Lock()

	s, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		lk.Unlock()
		return err
	}
	events, obligations, err := r.evaluateLocked(ctx, &s, now)
	lk.Unlock()
	if err != nil {
		return err
	}

	r.emit(ctx, events...)
	r.settleRefunds(ctx, obligations)
	return nil
}

// refreshSnapshot rewrites the read-side snapshot after a mutation. Cache
// failures degrade reads to the store and are only logged.
func (r *Registry) refreshSnapshot(ctx context.Context, s domain.Session) {
	if r.snaps == nil {
		return
	}
	var unit int64
	at := s.CurrentSize
	if at < 1 {
		at = 1
	}
	if q, err := pricing.PriceFor(s.PriceBreaks, at); err == nil {
		unit = q.PriceCents
	}
	snap := domain.SessionSnapshot{
		SessionID:      s.ID,
		Status:         s.Status,
		CurrentSize:    s.CurrentSize,
		TargetSize:     s.TargetSize,
		MaxGroupSize:   s.MaxGroupSize,
		Progress:       s.Progress(),
		UnitPriceCents: unit,
		UpdatedAt:      r.clock.Now(),
	}
	if err := r.snaps.Set(ctx, snap); err != nil {
		r.logger.WarnContext(ctx, "snapshot refresh failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}

// newEvent builds a lifecycle event with a fresh id and the engine clock.
func (r *Registry) newEvent(typ domain.EventType, sessionID, participantID, userID string, detail map[string]any) domain.Event {
	return domain.Event{
		ID:            uuid.New().String(),
		Type:          typ,
		SessionID:     sessionID,
		ParticipantID: participantID,
		UserID:        userID,
		Detail:        detail,
		OccurredAt:    r.clock.Now(),
	}
}

// emit forwards events to the sink and the audit log. Neither may block a
// caller holding a session lock, so emit is only invoked after unlock.
func (r *Registry) emit(ctx context.Context, events ...domain.Event) {
	for _, evt := range events {
		if r.sink != nil {
			r.sink.Emit(ctx, evt)
		}
		if r.audit != nil {
			detail := map[string]any{
				"session_id": evt.SessionID,
			}
			if evt.ParticipantID != "" {
				detail["participant_id"] = evt.ParticipantID
			}
			if evt.UserID != "" {
				detail["user_id"] = evt.UserID
			}
			for k, v := range evt.Detail {
				detail[k] = v
			}
			if err := r.audit.Log(ctx, string(evt.Type), detail); err != nil {
				r.logger.WarnContext(ctx, "audit log failed",
					slog.String("event", string(evt.Type)),
					slog.String("session_id", evt.SessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
