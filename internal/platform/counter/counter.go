package counter

import (
	"context"
	"time"
)

// Store is a shared atomic counter with TTL, backed by Redis in production.
// Increment creates the key at 1 with the given TTL when absent; otherwise it
// increments and refreshes the TTL. The returned value is the post-increment
// count, totally ordered across processes.
type Store interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
