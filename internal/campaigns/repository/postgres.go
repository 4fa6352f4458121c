package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elazharjebbari/alfenna-sub002/internal/campaigns/domain"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const campaignColumns = `id, slug, name, status, template_slug, locale, subject_override,
	context, dry_run, batch_size,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c           domain.Campaign
		status      string
		contextJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.Slug, &c.Name, &status, &c.TemplateSlug, &c.Locale, &c.SubjectOverride,
		&contextJSON, &c.DryRun, &c.BatchSize,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrCampaignNotFound
		}
		return domain.Campaign{}, err
	}
	c.Status = domain.Status(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &c.Context); err != nil {
			return domain.Campaign{}, fmt.Errorf("campaigns: decode context: %w", err)
		}
	}
	return c, nil
}

func (p *Postgres) GetBySlug(ctx context.Context, slug string) (domain.Campaign, error) {
	return scanCampaign(p.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE slug = $1`, slug))
}

func (p *Postgres) Create(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	contextJSON, err := json.Marshal(c.Context)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("campaigns: encode context: %w", err)
	}
	status := c.Status
	if status == "" {
		status = domain.StatusDraft
	}
	return scanCampaign(p.pool.QueryRow(ctx, `
		INSERT INTO campaigns (slug, name, status, template_slug, locale, subject_override, context, dry_run, batch_size, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+campaignColumns,
		c.Slug, c.Name, string(status), c.TemplateSlug, c.Locale, c.SubjectOverride,
		contextJSON, c.DryRun, c.BatchSize, c.ScheduledAt))
}

func (p *Postgres) SetStatus(ctx context.Context, id int64, status domain.Status) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

func (p *Postgres) Schedule(ctx context.Context, id int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE campaigns SET status = 'scheduled', scheduled_at = $2, updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'paused')`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRunnable
	}
	return nil
}

func (p *Postgres) ListDue(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRunning is conditional so two schedulers racing on the same campaign
// hand exactly one of them the fan-out.
func (p *Postgres) MarkRunning(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE campaigns SET status = 'running', started_at = COALESCE(started_at, $2), updated_at = now()
		WHERE id = $1 AND status IN ('scheduled', 'paused')`,
		id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Complete(ctx context.Context, id int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE campaigns SET status = 'completed', completed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRunnable
	}
	return nil
}

const insertChunkSize = 500

func (p *Postgres) InsertRecipients(ctx context.Context, campaignID int64, recipients []domain.Recipient) (int64, error) {
	var inserted int64
	for start := 0; start < len(recipients); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := recipients[start:end]

		userIDs := make([]int64, len(chunk))
		emails := make([]string, len(chunk))
		locales := make([]string, len(chunk))
		for i, r := range chunk {
			userIDs[i] = r.UserID
			emails[i] = r.Email
			locales[i] = r.Locale
		}
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO campaign_recipients (campaign_id, user_id, email, locale, status)
			SELECT $1, u.user_id, u.email, u.locale, 'pending'
			FROM unnest($2::bigint[], $3::text[], $4::text[]) AS u(user_id, email, locale)
			ON CONFLICT (campaign_id, email) DO NOTHING`,
			campaignID, userIDs, emails, locales)
		if err != nil {
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (p *Postgres) PendingBatch(ctx context.Context, campaignID int64, limit int) ([]domain.Recipient, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, campaign_id, user_id, email, locale, status, outbox_id, last_enqueued_at, updated_at
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY id
		LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Recipient
	for rows.Next() {
		var (
			r      domain.Recipient
			status string
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.UserID, &r.Email, &r.Locale, &status, &r.OutboxID, &r.LastEnqueuedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.RecipientStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRecipientStatus(ctx context.Context, recipientID int64, status domain.RecipientStatus, outboxID *int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, outbox_id = COALESCE($3, outbox_id), last_enqueued_at = now(), updated_at = now()
		WHERE id = $1`,
		recipientID, string(status), outboxID)
	return err
}

func (p *Postgres) CountPending(ctx context.Context, campaignID int64) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'pending'`, campaignID).Scan(&n)
	return n, err
}
