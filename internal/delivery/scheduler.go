package delivery

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
	"github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
)

// Scheduler drains due outbox entries: it leases batches on a poll interval
// (or sooner when nudged) and fans the leased entries out to a fixed pool of
// delivery workers.
type Scheduler struct {
	repo     Store
	worker   *Worker
	cfg      config.Config
	clock    clock.Clock
	log      zerolog.Logger
	workerID string
	notify   chan struct{}
}

func NewScheduler(repo Store, worker *Worker, cfg config.Config, clk clock.Clock, log zerolog.Logger) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		repo:     repo,
		worker:   worker,
		cfg:      cfg,
		clock:    clk,
		log:      log.With().Str("component", "drain").Logger(),
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		notify:   make(chan struct{}, 1),
	}
}

// Notify nudges the scheduler to drain before its next tick. Never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drains until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Str("worker_id", s.workerID).
		Dur("poll_interval", s.cfg.DrainPollInterval).
		Int("batch_size", s.cfg.DrainBatchSize).
		Int("parallelism", s.cfg.DrainParallelism).
		Msg("drain scheduler started")

	ticker := time.NewTicker(s.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("drain scheduler stopped")
			return
		case <-ticker.C:
		case <-s.notify:
		}
		if n, err := s.DrainOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("drain pass failed")
		} else if n == s.cfg.DrainBatchSize {
			// A full batch suggests backlog; go again immediately.
			s.Notify()
		}
	}
}

// DrainOnce leases one batch and processes it, returning how many entries
// were leased.
func (s *Scheduler) DrainOnce(ctx context.Context) (int, error) {
	entries, err := s.repo.LeaseDueBatch(ctx, s.clock.Now(), s.cfg.DrainBatchSize, s.workerID)
	if err != nil {
		return 0, err
	}
	metrics.ObserveDrainBatch(len(entries))
	if len(entries) == 0 {
		return 0, nil
	}

	jobs := make(chan domain.Entry)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.DrainParallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if err := s.worker.Process(ctx, entry); err != nil {
					s.log.Error().Err(err).Int64("entry_id", entry.ID).Msg("delivery attempt failed to finalize")
				}
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()
	return len(entries), nil
}
