// Package memory implements the domain store interfaces with in-process maps.
// It backs the demo run mode and the engine's test suite; semantics mirror
// the postgres implementations, including ErrNotFound on missing rows.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
)

// SessionStore is an in-memory domain.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.Session)}
}

func (s *SessionStore) Create(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) Update(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return domain.ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) GetByID(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return sess, nil
}

func (s *SessionStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return paginate(out, opts), nil
}

func (s *SessionStore) ListByStatus(_ context.Context, status domain.SessionStatus, opts domain.ListOpts) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return paginate(out, opts), nil
}

func (s *SessionStore) ListTerminalBefore(_ context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.Status.Terminal() && sess.UpdatedAt.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return paginate(out, opts), nil
}

func (s *SessionStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions)), nil
}

func sortSessions(sessions []domain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// ParticipantStore is an in-memory domain.ParticipantStore.
type ParticipantStore struct {
	mu    sync.RWMutex
	parts map[string]domain.Participant
}

// NewParticipantStore creates an empty ParticipantStore.
func NewParticipantStore() *ParticipantStore {
	return &ParticipantStore{parts: make(map[string]domain.Participant)}
}

func (s *ParticipantStore) Create(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[p.ID] = p
	return nil
}

func (s *ParticipantStore) Update(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.parts[p.ID] = p
	return nil
}

func (s *ParticipantStore) GetByID(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[id]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *ParticipantStore) GetActive(_ context.Context, sessionID, userID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.parts {
		if p.SessionID == sessionID && p.UserID == userID && p.Active() {
			return p, nil
		}
	}
	return domain.Participant{}, domain.ErrNotFound
}

func (s *ParticipantStore) ListBySession(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.parts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *ParticipantStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.parts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return paginate(out, opts), nil
}

func sortParticipants(parts []domain.Participant) {
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].JoinedAt.Equal(parts[j].JoinedAt) {
			return parts[i].ID < parts[j].ID
		}
		return parts[i].JoinedAt.Before(parts[j].JoinedAt)
	})
}

// RefundOutboxStore is an in-memory domain.RefundOutboxStore.
type RefundOutboxStore struct {
	mu      sync.RWMutex
	entries map[string]domain.RefundObligation
}

// NewRefundOutboxStore creates an empty RefundOutboxStore.
func NewRefundOutboxStore() *RefundOutboxStore {
	return &RefundOutboxStore{entries: make(map[string]domain.RefundObligation)}
}

func (s *RefundOutboxStore) Enqueue(_ context.Context, ob domain.RefundObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ob.ID] = ob
	return nil
}

func (s *RefundOutboxStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.RefundObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RefundObligation
	for _, ob := range s.entries {
		if ob.SettledAt == nil && !ob.NextAttemptAt.After(now) {
			out = append(out, ob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *RefundOutboxStore) MarkAttempt(_ context.Context, id string, nextAttempt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	ob.Attempts++
	ob.NextAttemptAt = nextAttempt
	ob.LastError = lastErr
	s.entries[id] = ob
	return nil
}

func (s *RefundOutboxStore) MarkSettled(_ context.Context, id string, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	ob.SettledAt = &settledAt
	s.entries[id] = ob
	return nil
}

func (s *RefundOutboxStore) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ob := range s.entries {
		if ob.SettledAt == nil {
			n++
		}
	}
	return n, nil
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return paginate(out, opts), nil
}
