package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	emaildomain "github.com/elazharjebbari/alfenna-sub002/internal/email/domain"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
	"github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
)

// Store is the slice of the outbox repository the delivery loop needs.
type Store interface {
	LeaseDueBatch(ctx context.Context, now time.Time, limit int, workerID string) ([]domain.Entry, error)
	BeginAttempt(ctx context.Context, id int64, leaseOwner string, at time.Time) (int, error)
	MarkSent(ctx context.Context, id int64, leaseOwner string, at time.Time, providerMessageID string) error
	MarkRetry(ctx context.Context, id int64, leaseOwner string, nextAt time.Time, code, lastError string) error
	MarkTerminal(ctx context.Context, id int64, leaseOwner string, status domain.Status, code, lastError string) error
	AppendAttempt(ctx context.Context, attempt domain.Attempt) error
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker executes one delivery attempt for a leased entry and advances its
// lifecycle state.
type Worker struct {
	repo   Store
	sender emaildomain.Sender
	cfg    config.Config
	clock  clock.Clock
	log    zerolog.Logger
	from   string
}

func NewWorker(repo Store, sender emaildomain.Sender, cfg config.Config, clk clock.Clock, log zerolog.Logger) *Worker {
	return &Worker{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		clock:  clk,
		log:    log.With().Str("component", "delivery").Logger(),
		from:   cfg.DefaultFromEmail,
	}
}

// Process attempts delivery of one leased entry. The attempt tally is
// bumped and the lease refreshed before the SMTP conversation, so a crash
// mid-send still consumes an attempt and a poison recipient converges on
// the retry budget. Every lifecycle transition out of SENDING is guarded
// by the lease: if the entry was reaped and handed to another worker in
// the meantime, the late worker backs off without touching the row.
func (w *Worker) Process(ctx context.Context, entry domain.Entry) error {
	if entry.Status != domain.StatusSending {
		w.log.Debug().Int64("entry_id", entry.ID).Str("status", string(entry.Status)).Msg("skipping non-leased entry")
		return nil
	}

	attemptNumber, err := w.repo.BeginAttempt(ctx, entry.ID, entry.LockedBy, w.clock.Now())
	if errors.Is(err, domain.ErrLeaseLost) {
		w.log.Debug().Int64("entry_id", entry.ID).Msg("lease lost before attempt, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	started := w.clock.Now()
	result, sendErr := w.sender.Send(ctx, toMessage(w.from, entry))
	finished := w.clock.Now()
	elapsed := finished.Sub(started)

	attempt := domain.Attempt{
		EntryID:    entry.ID,
		Number:     attemptNumber,
		Provider:   w.sender.Name(),
		StartedAt:  started,
		FinishedAt: finished,
	}

	if sendErr == nil && result.Accepted > 0 {
		attempt.Status = domain.AttemptSuccess
		attempt.ProviderMsgID = result.ProviderMessageID
		if err := w.repo.MarkSent(ctx, entry.ID, entry.LockedBy, finished, result.ProviderMessageID); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				w.log.Warn().Int64("entry_id", entry.ID).Msg("lease lost after send, leaving row to the new holder")
				return nil
			}
			return err
		}
		if err := w.repo.AppendAttempt(ctx, attempt); err != nil {
			w.log.Warn().Err(err).Int64("entry_id", entry.ID).Msg("attempt audit write failed")
		}
		metrics.IncOutboxOutcome(entry.Purpose, "sent")
		metrics.ObserveDeliveryDuration("success", elapsed)
		w.log.Info().
			Int64("entry_id", entry.ID).
			Str("purpose", entry.Purpose).
			Int("attempt", attemptNumber).
			Msg("message sent")
		return nil
	}

	if sendErr == nil {
		sendErr = fmt.Errorf("provider accepted zero recipients")
	}
	class := Classify(sendErr)
	attempt.Classification = string(class)
	attempt.Error = sendErr.Error()
	metrics.IncSMTPClassification(string(class))
	metrics.ObserveDeliveryDuration("failure", elapsed)

	policy := w.cfg.RetryPolicyFor(entry.Purpose)
	switch {
	case !class.Retryable():
		attempt.Status = domain.AttemptFailure
		if err := w.repo.MarkTerminal(ctx, entry.ID, entry.LockedBy, domain.StatusSuppressed, string(class), sendErr.Error()); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				w.log.Warn().Int64("entry_id", entry.ID).Msg("lease lost, skipping terminal mark")
				return nil
			}
			return err
		}
		metrics.IncOutboxOutcome(entry.Purpose, "suppressed")
		w.log.Warn().
			Int64("entry_id", entry.ID).
			Str("classification", string(class)).
			Err(sendErr).
			Msg("recipient permanently rejected")

	case attemptNumber >= policy.MaxAttempts:
		attempt.Status = domain.AttemptFailure
		msg := fmt.Sprintf("retries exhausted after %d attempts: %s", attemptNumber, sendErr)
		if err := w.repo.MarkTerminal(ctx, entry.ID, entry.LockedBy, domain.StatusSuppressed, string(class), msg); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				w.log.Warn().Int64("entry_id", entry.ID).Msg("lease lost, skipping terminal mark")
				return nil
			}
			return err
		}
		metrics.IncOutboxOutcome(entry.Purpose, "exhausted")
		w.log.Warn().
			Int64("entry_id", entry.ID).
			Int("attempts", attemptNumber).
			Err(sendErr).
			Msg("retry budget exhausted")

	default:
		attempt.Status = domain.AttemptFailure
		nextAt := w.clock.Now().Add(time.Duration(policy.IntervalSeconds) * time.Second)
		if err := w.repo.MarkRetry(ctx, entry.ID, entry.LockedBy, nextAt, string(class), sendErr.Error()); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				w.log.Warn().Int64("entry_id", entry.ID).Msg("lease lost, skipping retry mark")
				return nil
			}
			return err
		}
		metrics.IncOutboxOutcome(entry.Purpose, "retried")
		w.log.Info().
			Int64("entry_id", entry.ID).
			Str("classification", string(class)).
			Time("next_attempt", nextAt).
			Err(sendErr).
			Msg("delivery rescheduled")
	}

	if err := w.repo.AppendAttempt(ctx, attempt); err != nil {
		w.log.Warn().Err(err).Int64("entry_id", entry.ID).Msg("attempt audit write failed")
	}
	return nil
}

func toMessage(from string, entry domain.Entry) emaildomain.Message {
	attachments := make([]emaildomain.Attachment, 0, len(entry.Attachments))
	for _, a := range entry.Attachments {
		attachments = append(attachments, emaildomain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	return emaildomain.Message{
		From:        from,
		To:          entry.To,
		CC:          entry.CC,
		BCC:         entry.BCC,
		ReplyTo:     entry.ReplyTo,
		Headers:     entry.Headers,
		Subject:     entry.EffectiveSubject(),
		HTMLBody:    entry.HTMLBody,
		TextBody:    entry.TextBody,
		Attachments: attachments,
	}
}
