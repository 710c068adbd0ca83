package domain

import (
	"context"
	"time"
)

// SessionSnapshot is the read-optimized view of a session served to display
// surfaces. It may be momentarily stale with respect to the authoritative
// store; the engine refreshes it after every mutation.
type SessionSnapshot struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	CurrentSize    int           `json:"current_size"`
	TargetSize     int           `json:"target_size"`
	MaxGroupSize   int           `json:"max_group_size"`
	Progress       int           `json:"progress"`
	UnitPriceCents int64         `json:"unit_price_cents"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SnapshotCache provides lock-free reads of session progress for display.
type SnapshotCache interface {
	Set(ctx context.Context, snap SessionSnapshot) error
	Get(ctx context.Context, sessionID string) (SessionSnapshot, error)
	Invalidate(ctx context.Context, sessionID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The engine serializes writers
// per session in process; the LockManager guards fleet-wide singletons such
// as the deadline sweeper.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub and durable streams for lifecycle events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
