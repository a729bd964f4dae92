package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache keeps the latest reading snapshot per device in redis so state
// queries skip postgres. Snapshots expire on their own; the database row
// remains the durable copy.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func stateKey(userID, deviceID string) string { return "fleet:state:" + userID + ":" + deviceID }

func (c *StateCache) Set(ctx context.Context, userID, deviceID string, stateJSON []byte) error {
	return c.rdb.Set(ctx, stateKey(userID, deviceID), stateJSON, 24*time.Hour).Err()
}

// Get returns the cached snapshot, or nil when none is cached.
func (c *StateCache) Get(ctx context.Context, userID, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, stateKey(userID, deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *StateCache) Delete(ctx context.Context, userID, deviceID string) error {
	return c.rdb.Del(ctx, stateKey(userID, deviceID)).Err()
}
