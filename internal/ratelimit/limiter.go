package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
	"github.com/elazharjebbari/alfenna-sub002/internal/platform/counter"
)

const keyPrefix = "emailrate"

// Decision is the outcome of one rate limit evaluation. The DedupKey is
// handed to the outbox either way: allowed sends use it as their idempotency
// key, refused sends record a suppressed entry under it.
type Decision struct {
	Allowed  bool
	DedupKey string
	Bucket   int64
	Seq      int64
	Limit    int
	Window   time.Duration
}

// ActiveCounter is the slice of the outbox the limiter consults when failed
// deliveries must not count against a user's quota.
type ActiveCounter interface {
	CountActiveSince(ctx context.Context, namespace, purpose, recipient string, since time.Time, includeFailed bool) (int64, error)
}

// Limiter throttles message production per (purpose, user) over fixed
// counter windows.
type Limiter struct {
	counter counter.Store
	outbox  ActiveCounter
	cfg     config.Config
	clock   clock.Clock
	log     zerolog.Logger
}

func New(store counter.Store, outbox ActiveCounter, cfg config.Config, clk clock.Clock, log zerolog.Logger) *Limiter {
	return &Limiter{
		counter: store,
		outbox:  outbox,
		cfg:     cfg,
		clock:   clk,
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// Evaluate increments the user's window counter and decides whether this
// send may proceed. The counter increments even for refused sends, so a
// burst keeps extending its own denial evidence within the window.
//
// Counter store failures degrade to allowed: losing the throttle is better
// than losing password resets.
func (l *Limiter) Evaluate(ctx context.Context, namespace, purpose string, userID int64, recipient string) (Decision, error) {
	policy := l.cfg.RateLimitFor(purpose)
	window := time.Duration(policy.WindowSeconds) * time.Second
	now := l.clock.Now()
	bucket := now.Unix() / int64(policy.WindowSeconds)

	counterKey := fmt.Sprintf("%s:%s:%d:%d", keyPrefix, purpose, userID, bucket)
	seq, err := l.counter.Increment(ctx, counterKey, window+time.Second)
	if err != nil {
		l.log.Warn().Err(err).Str("purpose", purpose).Msg("counter unavailable, allowing send")
		seq = 1
	}

	d := Decision{
		Allowed:  seq <= int64(policy.MaxPerWindow),
		DedupKey: fmt.Sprintf("user:%d:%s:%d:%d", userID, purpose, bucket, seq),
		Bucket:   bucket,
		Seq:      seq,
		Limit:    policy.MaxPerWindow,
		Window:   window,
	}
	if d.Allowed {
		return d, nil
	}

	// The counter counts attempts, not outcomes. When failed deliveries are
	// excluded from the quota, re-check real consumption in the outbox
	// before refusing.
	if !policy.IncludeFailed && l.outbox != nil {
		windowStart := time.Unix(bucket*int64(policy.WindowSeconds), 0).UTC()
		used, err := l.outbox.CountActiveSince(ctx, namespace, purpose, recipient, windowStart, false)
		if err != nil {
			return d, err
		}
		if used < int64(policy.MaxPerWindow) {
			d.Allowed = true
			return d, nil
		}
	}

	metrics.IncRateLimitSuppressed(purpose)
	l.log.Info().
		Str("purpose", purpose).
		Int64("user_id", userID).
		Int64("seq", seq).
		Int("limit", policy.MaxPerWindow).
		Msg("send rate limited")
	return d, nil
}

// SuppressionDedupKey derives the idempotency key a refused send is recorded
// under, keeping the refusal row distinct from any later allowed send in the
// same bucket.
func (d Decision) SuppressionDedupKey() string {
	return d.DedupKey + ":suppressed"
}
