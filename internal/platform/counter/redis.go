package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store using a single Lua script so the increment and
// the TTL refresh are one atomic step.
type redisStore struct{ rc *redis.Client }

// NewRedis wraps an existing Redis client as a counter Store.
func NewRedis(rc *redis.Client) Store {
	return &redisStore{rc: rc}
}

var luaIncrRefresh = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return current
`)

func (s *redisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := luaIncrRefresh.Run(ctx, s.rc, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("counter: unexpected INCR reply %T", res)
	}
	return n, nil
}
