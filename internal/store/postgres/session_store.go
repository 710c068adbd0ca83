package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groupcart/groupcart/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new session. The price break table is stored as JSONB.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	breaks, err := json.Marshal(sess.PriceBreaks)
	if err != nil {
		return fmt.Errorf("postgres: marshal price breaks: %w", err)
	}

	const query = `
		INSERT INTO sessions (
			id, product_id, organizer_id, title,
			target_size, max_group_size, current_size,
			recruitment_start, recruitment_end,
			confirmation_deadline, payment_deadline,
			delivery_start, delivery_end,
			price_breaks, status,
			created_at, updated_at, confirmed_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9,
			$10, $11,
			$12, $13,
			$14, $15,
			$16, $17, $18, $19
		)`

	_, err = s.pool.Exec(ctx, query,
		sess.ID, sess.ProductID, sess.OrganizerID, sess.Title,
		sess.TargetSize, sess.MaxGroupSize, sess.CurrentSize,
		sess.RecruitmentStart, sess.RecruitmentEnd,
		sess.ConfirmationDeadline, sess.PaymentDeadline,
		nullableTime(sess.DeliveryStart), nullableTime(sess.DeliveryEnd),
		breaks, string(sess.Status),
		sess.CreatedAt, sess.UpdatedAt, sess.ConfirmedAt, sess.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing session.
func (s *SessionStore) Update(ctx context.Context, sess domain.Session) error {
	const query = `
		UPDATE sessions SET
			current_size = $2, status = $3, updated_at = $4,
			confirmed_at = $5, cancelled_at = $6
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		sess.ID, sess.CurrentSize, string(sess.Status), sess.UpdatedAt,
		sess.ConfirmedAt, sess.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const sessionSelectCols = `id, product_id, organizer_id, title,
	target_size, max_group_size, current_size,
	recruitment_start, recruitment_end,
	confirmation_deadline, payment_deadline,
	delivery_start, delivery_end,
	price_breaks, status,
	created_at, updated_at, confirmed_at, cancelled_at`

func scanSession(scanner interface{ Scan(dest ...any) error }) (domain.Session, error) {
	var sess domain.Session
	var status string
	var breaks []byte
	var deliveryStart, deliveryEnd *time.Time

	err := scanner.Scan(
		&sess.ID, &sess.ProductID, &sess.OrganizerID, &sess.Title,
		&sess.TargetSize, &sess.MaxGroupSize, &sess.CurrentSize,
		&sess.RecruitmentStart, &sess.RecruitmentEnd,
		&sess.ConfirmationDeadline, &sess.PaymentDeadline,
		&deliveryStart, &deliveryEnd,
		&breaks, &status,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ConfirmedAt, &sess.CancelledAt,
	)
	if err != nil {
		return domain.Session{}, err
	}

	if deliveryStart != nil {
		sess.DeliveryStart = *deliveryStart
	}
	if deliveryEnd != nil {
		sess.DeliveryEnd = *deliveryEnd
	}
	if err := json.Unmarshal(breaks, &sess.PriceBreaks); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal price breaks: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	return sess, nil
}

// GetByID fetches one session. It returns domain.ErrNotFound when the id is
// unknown.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT ` + sessionSelectCols + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

// ListActive returns sessions in a non-terminal status, oldest first, for the
// deadline sweeper.
func (s *SessionStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Session, error) {
	query := `SELECT ` + sessionSelectCols + `
		FROM sessions
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY created_at ASC`
	query, args := appendPagination(query, nil, opts)

	return s.querySessions(ctx, query, args, "list active sessions")
}

// ListByStatus returns sessions in the given status, newest first.
func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus, opts domain.ListOpts) ([]domain.Session, error) {
	query := `SELECT ` + sessionSelectCols + `
		FROM sessions
		WHERE status = $1
		ORDER BY created_at DESC`
	query, args := appendPagination(query, []any{string(status)}, opts)

	return s.querySessions(ctx, query, args, "list sessions by status")
}

// ListTerminalBefore returns completed or cancelled sessions last updated
// before cutoff, oldest first, for the archiver.
func (s *SessionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Session, error) {
	query := `SELECT ` + sessionSelectCols + `
		FROM sessions
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
		ORDER BY updated_at ASC`
	query, args := appendPagination(query, []any{cutoff}, opts)

	return s.querySessions(ctx, query, args, "list terminal sessions")
}

// Count returns the total number of session rows.
func (s *SessionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count sessions: %w", err)
	}
	return n, nil
}

func (s *SessionStore) querySessions(ctx context.Context, query string, args []any, op string) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return sessions, nil
}

// appendPagination adds LIMIT/OFFSET clauses numbered after the existing args.
func appendPagination(query string, args []any, opts domain.ListOpts) (string, []any) {
	idx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)
