package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupcart/groupcart/internal/domain"
)

// ParticipantStore implements domain.ParticipantStore using PostgreSQL.
type ParticipantStore struct {
	pool *pgxpool.Pool
}

// NewParticipantStore creates a new ParticipantStore backed by the given pool.
func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

// Create inserts a new participant row. Variant selections are stored as
// JSONB; the engine treats them as opaque.
func (s *ParticipantStore) Create(ctx context.Context, p domain.Participant) error {
	variants, err := json.Marshal(p.SelectedVariants)
	if err != nil {
		return fmt.Errorf("postgres: marshal variants: %w", err)
	}

	const query = `
		INSERT INTO participants (
			id, session_id, user_id,
			quantity, selected_variants,
			status, payment_status,
			payment_amount_cents, price_tier,
			joined_at, paid_at, cancelled_at, leave_reason
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7,
			$8, $9,
			$10, $11, $12, $13
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.SessionID, p.UserID,
		p.Quantity, variants,
		string(p.Status), string(p.PaymentStatus),
		p.PaymentAmountCents, p.PriceTier,
		p.JoinedAt, p.PaidAt, p.CancelledAt, p.LeaveReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create participant %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing participant.
func (s *ParticipantStore) Update(ctx context.Context, p domain.Participant) error {
	const query = `
		UPDATE participants SET
			status = $2, payment_status = $3,
			paid_at = $4, cancelled_at = $5, leave_reason = $6
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), string(p.PaymentStatus),
		p.PaidAt, p.CancelledAt, p.LeaveReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update participant %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const participantSelectCols = `id, session_id, user_id,
	quantity, selected_variants,
	status, payment_status,
	payment_amount_cents, price_tier,
	joined_at, paid_at, cancelled_at, leave_reason`

func scanParticipant(scanner interface{ Scan(dest ...any) error }) (domain.Participant, error) {
	var p domain.Participant
	var status, paymentStatus string
	var variants []byte

	err := scanner.Scan(
		&p.ID, &p.SessionID, &p.UserID,
		&p.Quantity, &variants,
		&status, &paymentStatus,
		&p.PaymentAmountCents, &p.PriceTier,
		&p.JoinedAt, &p.PaidAt, &p.CancelledAt, &p.LeaveReason,
	)
	if err != nil {
		return domain.Participant{}, err
	}

	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &p.SelectedVariants); err != nil {
			return domain.Participant{}, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	p.Status = domain.ParticipantStatus(status)
	p.PaymentStatus = domain.PaymentStatus(paymentStatus)
	return p, nil
}

// GetByID fetches one participant. It returns domain.ErrNotFound when the id
// is unknown.
func (s *ParticipantStore) GetByID(ctx context.Context, id string) (domain.Participant, error) {
	query := `SELECT ` + participantSelectCols + ` FROM participants WHERE id = $1`
	p, err := scanParticipant(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Participant{}, domain.ErrNotFound
		}
		return domain.Participant{}, fmt.Errorf("postgres: get participant %s: %w", id, err)
	}
	return p, nil
}

// GetActive returns the user's non-cancelled participant in a session, or
// domain.ErrNotFound. A partial unique index enforces at most one such row.
func (s *ParticipantStore) GetActive(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	query := `SELECT ` + participantSelectCols + `
		FROM participants
		WHERE session_id = $1 AND user_id = $2 AND status != 'cancelled'`
	p, err := scanParticipant(s.pool.QueryRow(ctx, query, sessionID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Participant{}, domain.ErrNotFound
		}
		return domain.Participant{}, fmt.Errorf("postgres: get active participant %s/%s: %w", sessionID, userID, err)
	}
	return p, nil
}

// ListBySession returns every participant of a session, cancelled included,
// in join order.
func (s *ParticipantStore) ListBySession(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	query := `SELECT ` + participantSelectCols + `
		FROM participants
		WHERE session_id = $1
		ORDER BY joined_at ASC`
	return s.queryParticipants(ctx, query, []any{sessionID}, "list participants by session")
}

// ListByUser returns the user's participant records across sessions, newest
// first.
func (s *ParticipantStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Participant, error) {
	query := `SELECT ` + participantSelectCols + `
		FROM participants
		WHERE user_id = $1
		ORDER BY joined_at DESC`
	query, args := appendPagination(query, []any{userID}, opts)
	return s.queryParticipants(ctx, query, args, "list participants by user")
}

func (s *ParticipantStore) queryParticipants(ctx context.Context, query string, args []any, op string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var parts []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return parts, nil
}

// Compile-time interface check.
var _ domain.ParticipantStore = (*ParticipantStore)(nil)
