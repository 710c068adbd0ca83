package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupcart/groupcart/internal/domain"
)

// RefundOutboxStore implements domain.RefundOutboxStore using PostgreSQL.
type RefundOutboxStore struct {
	pool *pgxpool.Pool
}

// NewRefundOutboxStore creates a new RefundOutboxStore backed by the given
// pool.
func NewRefundOutboxStore(pool *pgxpool.Pool) *RefundOutboxStore {
	return &RefundOutboxStore{pool: pool}
}

// Enqueue inserts a refund obligation.
func (s *RefundOutboxStore) Enqueue(ctx context.Context, ob domain.RefundObligation) error {
	const query = `
		INSERT INTO refund_outbox (
			id, participant_id, session_id, user_id,
			amount_cents, reason, attempts,
			next_attempt_at, last_error, created_at, settled_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		ob.ID, ob.ParticipantID, ob.SessionID, ob.UserID,
		ob.AmountCents, ob.Reason, ob.Attempts,
		ob.NextAttemptAt, ob.LastError, ob.CreatedAt, ob.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue refund %s: %w", ob.ID, err)
	}
	return nil
}

// ListDue returns unsettled obligations whose next attempt is due, oldest
// first.
func (s *RefundOutboxStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RefundObligation, error) {
	query := `
		SELECT id, participant_id, session_id, user_id,
			amount_cents, reason, attempts,
			next_attempt_at, last_error, created_at, settled_at
		FROM refund_outbox
		WHERE settled_at IS NULL AND next_attempt_at <= $1
		ORDER BY created_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due refunds: %w", err)
	}
	defer rows.Close()

	var obs []domain.RefundObligation
	for rows.Next() {
		var ob domain.RefundObligation
		if err := rows.Scan(
			&ob.ID, &ob.ParticipantID, &ob.SessionID, &ob.UserID,
			&ob.AmountCents, &ob.Reason, &ob.Attempts,
			&ob.NextAttemptAt, &ob.LastError, &ob.CreatedAt, &ob.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan refund obligation: %w", err)
		}
		obs = append(obs, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list due refunds rows: %w", err)
	}
	return obs, nil
}

// MarkAttempt records a failed attempt and reschedules the obligation.
func (s *RefundOutboxStore) MarkAttempt(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error {
	const query = `
		UPDATE refund_outbox SET
			attempts = attempts + 1, next_attempt_at = $2, last_error = $3
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, nextAttempt, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: mark refund attempt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkSettled closes the obligation.
func (s *RefundOutboxStore) MarkSettled(ctx context.Context, id string, settledAt time.Time) error {
	const query = `UPDATE refund_outbox SET settled_at = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, settledAt)
	if err != nil {
		return fmt.Errorf("postgres: mark refund settled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountPending returns the number of unsettled obligations.
func (s *RefundOutboxStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM refund_outbox WHERE settled_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count pending refunds: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.RefundOutboxStore = (*RefundOutboxStore)(nil)
