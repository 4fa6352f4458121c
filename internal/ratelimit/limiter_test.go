package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	"github.com/elazharjebbari/alfenna-sub002/internal/platform/counter"
)

type fixedActive struct {
	count int64
	err   error
}

func (f fixedActive) CountActiveSince(context.Context, string, string, string, time.Time, bool) (int64, error) {
	return f.count, f.err
}

func testConfig(includeFailed bool) config.Config {
	return config.Config{
		RateLimits: map[string]config.RateLimitPolicy{
			"password_reset": {WindowSeconds: 300, MaxPerWindow: 5, IncludeFailed: includeFailed},
		},
	}
}

func newTestLimiter(t *testing.T, cfg config.Config, outbox ActiveCounter) (*Limiter, *clock.Frozen) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	clk := clock.NewFrozen(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	return New(counter.NewRedis(rc), outbox, cfg, clk, logger.Nop()), clk
}

func TestEvaluateAllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig(true), nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "send %d within the window limit", i)
		assert.Equal(t, int64(i), d.Seq)
	}

	d, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(6), d.Seq)
}

func TestEvaluateDedupKeyShape(t *testing.T) {
	l, clk := newTestLimiter(t, testConfig(true), nil)
	d, err := l.Evaluate(context.Background(), "accounts", "password_reset", 42, "alice@example.com")
	require.NoError(t, err)

	bucket := clk.Now().Unix() / 300
	assert.Equal(t, fmt.Sprintf("user:42:password_reset:%d:1", bucket), d.DedupKey)
	assert.Equal(t, d.DedupKey+":suppressed", d.SuppressionDedupKey())
}

func TestEvaluateIsolatesUsersAndPurposes(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig(true), nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
		require.NoError(t, err)
	}

	d, err := l.Evaluate(ctx, "accounts", "password_reset", 43, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another user has a fresh window")

	d, err = l.Evaluate(ctx, "accounts", "email_verification", 42, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another purpose has a fresh window")
}

func TestEvaluateNewBucketResetsCounter(t *testing.T) {
	l, clk := newTestLimiter(t, testConfig(true), nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
		require.NoError(t, err)
	}
	clk.Advance(301 * time.Second)

	d, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Seq, "new bucket means a new counter key")
}

func TestEvaluateExcludingFailedRechecksOutbox(t *testing.T) {
	ctx := context.Background()

	t.Run("failed attempts free up quota", func(t *testing.T) {
		l, _ := newTestLimiter(t, testConfig(false), fixedActive{count: 2})
		for i := 0; i < 5; i++ {
			_, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
			require.NoError(t, err)
		}
		d, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "only 2 of 5 slots really consumed")
	})

	t.Run("full outbox still refuses", func(t *testing.T) {
		l, _ := newTestLimiter(t, testConfig(false), fixedActive{count: 5})
		for i := 0; i < 6; i++ {
			_, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
			require.NoError(t, err)
		}
		d, err := l.Evaluate(ctx, "accounts", "password_reset", 42, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})
}

func TestEvaluateCounterOutageAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	l := New(counter.NewRedis(rc), nil, testConfig(true), clock.System{}, logger.Nop())
	mr.Close()

	d, err := l.Evaluate(context.Background(), "accounts", "password_reset", 42, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "losing the counter store never blocks sends")
	assert.Equal(t, int64(1), d.Seq)
}
