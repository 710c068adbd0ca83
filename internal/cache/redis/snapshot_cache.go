package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/groupcart/groupcart/internal/domain"
)

// snapshotTTL bounds staleness if an invalidation is ever lost. The engine
// rewrites the snapshot after every mutation, so expiry is a backstop only.
const snapshotTTL = 10 * time.Minute

// SnapshotCache implements domain.SnapshotCache using Redis string keys with
// JSON values. Progress reads on hot sessions are served from here without
// touching Postgres or the session lock.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotKey(sessionID string) string {
	return "session:snapshot:" + sessionID
}

// Set stores the snapshot, replacing any previous value.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.SessionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.SessionID, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(snap.SessionID), payload, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// Get retrieves the snapshot for a session. It returns domain.ErrNotFound
// when no snapshot is cached.
func (sc *SnapshotCache) Get(ctx context.Context, sessionID string) (domain.SessionSnapshot, error) {
	payload, err := sc.rdb.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SessionSnapshot{}, domain.ErrNotFound
		}
		return domain.SessionSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", sessionID, err)
	}

	var snap domain.SessionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

// Invalidate removes the snapshot. Missing keys are not an error.
func (sc *SnapshotCache) Invalidate(ctx context.Context, sessionID string) error {
	if err := sc.rdb.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
