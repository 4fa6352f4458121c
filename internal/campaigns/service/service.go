package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/campaigns/domain"
	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outbox "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	usersdomain "github.com/elazharjebbari/alfenna-sub002/internal/users/domain"
)

// MarketingNamespace is the outbox namespace every campaign send lands in.
const MarketingNamespace = "marketing"

// Enqueuer is the slice of the outbox service campaigns compose through.
type Enqueuer interface {
	ComposeAndEnqueue(ctx context.Context, req outbox.ComposeRequest) (outboxdomain.Entry, bool, error)
}

// Audience streams the accounts eligible for marketing email.
type Audience interface {
	EachOptedIn(ctx context.Context, fn func(usersdomain.User) error) error
}

// Service drives campaign fan-out: audience building, batched enqueueing
// and completion.
type Service struct {
	repo      domain.Repository
	outbox    Enqueuer
	audience  Audience
	clock     clock.Clock
	log       zerolog.Logger
	batchSize int
}

func New(repo domain.Repository, enq Enqueuer, audience Audience, clk clock.Clock, batchSize int, log zerolog.Logger) *Service {
	if batchSize < 1 {
		batchSize = 200
	}
	return &Service{
		repo:      repo,
		outbox:    enq,
		audience:  audience,
		clock:     clk,
		log:       log.With().Str("component", "campaigns").Logger(),
		batchSize: batchSize,
	}
}

// BuildRecipients snapshots the current opted-in audience into the
// campaign's recipient table. Rebuilding only adds members that appeared
// since the last build; existing rows keep their fan-out state.
func (s *Service) BuildRecipients(ctx context.Context, slug string) (int64, error) {
	campaign, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return 0, err
	}

	var (
		total int64
		batch []domain.Recipient
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.repo.InsertRecipients(ctx, campaign.ID, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	err = s.audience.EachOptedIn(ctx, func(u usersdomain.User) error {
		batch = append(batch, domain.Recipient{
			CampaignID: campaign.ID,
			UserID:     u.ID,
			Email:      u.Email,
			Locale:     u.Locale,
		})
		if len(batch) >= s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	s.log.Info().Str("campaign", slug).Int64("added", total).Msg("audience built")
	return total, nil
}

// EnqueueBatch fans out one batch of pending recipients and reports how
// many it handled. Zero means the campaign has no pending work left. A
// non-positive limit falls back to the campaign's batch size, then to
// the service default.
//
// Dry-run campaigns walk the same path but record every recipient as
// suppressed without touching the outbox, so an audience can be rehearsed.
func (s *Service) EnqueueBatch(ctx context.Context, slug string, limit int) (int, error) {
	campaign, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return 0, err
	}
	if campaign.Status != domain.StatusRunning {
		return 0, fmt.Errorf("%w: campaign %s is %s", domain.ErrNotRunnable, slug, campaign.Status)
	}
	if limit < 1 {
		limit = campaign.BatchSize
	}
	if limit < 1 {
		limit = s.batchSize
	}

	pending, err := s.repo.PendingBatch(ctx, campaign.ID, limit)
	if err != nil {
		return 0, err
	}

	purpose := "campaign:" + campaign.Slug
	for _, r := range pending {
		if campaign.DryRun {
			if err := s.repo.UpdateRecipientStatus(ctx, r.ID, domain.RecipientSuppressed, nil); err != nil {
				return 0, err
			}
			metrics.IncCampaignEnqueued(campaign.Slug, "dry_run")
			continue
		}

		context := map[string]any{
			"campaign_slug": campaign.Slug,
			"campaign_name": campaign.Name,
			"user_id":       r.UserID,
		}
		for k, v := range campaign.Context {
			context[k] = v
		}
		locale := r.Locale
		if campaign.Locale != "" {
			locale = campaign.Locale
		}
		entry, _, err := s.outbox.ComposeAndEnqueue(ctx, outbox.ComposeRequest{
			Namespace:       MarketingNamespace,
			Purpose:         purpose,
			To:              []string{r.Email},
			TemplateSlug:    campaign.TemplateSlug,
			Locale:          locale,
			SubjectOverride: campaign.SubjectOverride,
			Context:         context,
			DedupKey:        fmt.Sprintf("campaign:%d:%s", campaign.ID, r.Email),
		})
		if err != nil {
			if errors.Is(err, outboxdomain.ErrNoRecipients) {
				if uerr := s.repo.UpdateRecipientStatus(ctx, r.ID, domain.RecipientSuppressed, nil); uerr != nil {
					return 0, uerr
				}
				metrics.IncCampaignEnqueued(campaign.Slug, "suppressed")
				continue
			}
			return 0, err
		}
		if err := s.repo.UpdateRecipientStatus(ctx, r.ID, domain.RecipientQueued, &entry.ID); err != nil {
			return 0, err
		}
		metrics.IncCampaignEnqueued(campaign.Slug, "queued")
	}
	return len(pending), nil
}

// CompleteIfDone finishes a running campaign once no pending recipients
// remain. Reports whether it completed.
func (s *Service) CompleteIfDone(ctx context.Context, slug string) (bool, error) {
	campaign, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return false, err
	}
	if campaign.Status != domain.StatusRunning {
		return false, nil
	}
	pending, err := s.repo.CountPending(ctx, campaign.ID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	if err := s.repo.Complete(ctx, campaign.ID, s.clock.Now()); err != nil {
		return false, err
	}
	s.log.Info().Str("campaign", slug).Msg("campaign completed")
	return true, nil
}

// Create registers a new draft campaign.
func (s *Service) Create(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.Slug == "" || c.TemplateSlug == "" {
		return domain.Campaign{}, fmt.Errorf("campaign needs a slug and a template")
	}
	c.Status = domain.StatusDraft
	return s.repo.Create(ctx, c)
}

// Get returns one campaign by slug.
func (s *Service) Get(ctx context.Context, slug string) (domain.Campaign, error) {
	return s.repo.GetBySlug(ctx, slug)
}

// ScheduleAt arms a draft or paused campaign to start at the given time.
func (s *Service) ScheduleAt(ctx context.Context, slug string, at time.Time) error {
	campaign, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	return s.repo.Schedule(ctx, campaign.ID, at)
}

// Start moves a campaign to running immediately and fans it out. The
// campaign must be scheduled or paused; drafts get scheduled first.
func (s *Service) Start(ctx context.Context, slug string) error {
	campaign, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if campaign.Status == domain.StatusDraft {
		if err := s.repo.Schedule(ctx, campaign.ID, s.clock.Now()); err != nil {
			return err
		}
	}
	won, err := s.repo.MarkRunning(ctx, campaign.ID, s.clock.Now())
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("campaign %s: %w", slug, domain.ErrNotRunnable)
	}
	if _, err := s.BuildRecipients(ctx, slug); err != nil {
		return err
	}
	return s.Run(ctx, slug)
}

// Run drives one campaign to completion: batch after batch until
// drained, then completes it.
func (s *Service) Run(ctx context.Context, slug string) error {
	for {
		n, err := s.EnqueueBatch(ctx, slug, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	_, err := s.CompleteIfDone(ctx, slug)
	return err
}

// ScheduleDue starts every scheduled campaign whose time has come. For each
// one it wins, the audience is built (idempotent) and fan-out runs to
// completion.
func (s *Service) ScheduleDue(ctx context.Context) (int, error) {
	due, err := s.repo.ListDue(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	started := 0
	for _, campaign := range due {
		won, err := s.repo.MarkRunning(ctx, campaign.ID, s.clock.Now())
		if err != nil {
			return started, err
		}
		if !won {
			continue
		}
		started++
		if _, err := s.BuildRecipients(ctx, campaign.Slug); err != nil {
			return started, err
		}
		if err := s.Run(ctx, campaign.Slug); err != nil {
			return started, err
		}
	}
	return started, nil
}
