package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
)

// Reaper returns entries stranded in SENDING by a crashed worker back to
// QUEUED, due immediately, once their lease has gone stale.
type Reaper struct {
	repo  Store
	cfg   config.Config
	clock clock.Clock
	log   zerolog.Logger
}

func NewReaper(repo Store, cfg config.Config, clk clock.Clock, log zerolog.Logger) *Reaper {
	return &Reaper{
		repo:  repo,
		cfg:   cfg,
		clock: clk,
		log:   log.With().Str("component", "reaper").Logger(),
	}
}

func (r *Reaper) staleAfter() time.Duration {
	return time.Duration(r.cfg.ReaperStaleSeconds) * time.Second
}

// ReapOnce requeues every entry whose lease predates the stale cutoff.
func (r *Reaper) ReapOnce(ctx context.Context) (int64, error) {
	cutoff := r.clock.Now().Add(-r.staleAfter())
	n, err := r.repo.ReapStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AddReaped(n)
		r.log.Warn().Int64("reaped", n).Time("cutoff", cutoff).Msg("stale leases returned to queue")
	}
	return n, nil
}

// Run reaps on an interval equal to the stale window until the context is
// canceled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.staleAfter()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reap pass failed")
			}
		}
	}
}
