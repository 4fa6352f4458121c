package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
)

// Postgres persists outbox entries in the outbox_emails table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const entryColumns = `id, namespace, purpose, dedup_key, flow_id,
	to_addresses, cc_addresses, bcc_addresses, reply_to, headers,
	subject, subject_override, html_body, text_body,
	template_slug, template_version, locale, context, attachments, metadata,
	status, priority, attempts,
	scheduled_at, next_attempt_at, locked_at, locked_by, sent_at,
	provider_message_id, last_error_at, last_error_code, last_error,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.Entry, error) {
	var (
		e               domain.Entry
		headersJSON     []byte
		contextJSON     []byte
		attachmentsJSON []byte
		metadataJSON    []byte
		status          string
	)
	err := row.Scan(
		&e.ID, &e.Namespace, &e.Purpose, &e.DedupKey, &e.FlowID,
		&e.To, &e.CC, &e.BCC, &e.ReplyTo, &headersJSON,
		&e.Subject, &e.SubjectOverride, &e.HTMLBody, &e.TextBody,
		&e.TemplateSlug, &e.TemplateVersion, &e.Locale, &contextJSON, &attachmentsJSON, &metadataJSON,
		&status, &e.Priority, &e.Attempts,
		&e.ScheduledAt, &e.NextAttemptAt, &e.LockedAt, &e.LockedBy, &e.SentAt,
		&e.ProviderMessageID, &e.LastErrorAt, &e.LastErrorCode, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entry{}, domain.ErrNotFound
		}
		return domain.Entry{}, err
	}
	e.Status = domain.Status(status)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &e.Headers); err != nil {
			return domain.Entry{}, fmt.Errorf("outbox: decode headers: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
			return domain.Entry{}, fmt.Errorf("outbox: decode context: %w", err)
		}
	}
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &e.Attachments); err != nil {
			return domain.Entry{}, fmt.Errorf("outbox: decode attachments: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return domain.Entry{}, fmt.Errorf("outbox: decode metadata: %w", err)
		}
	}
	return e, nil
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (p *Postgres) GetOrCreate(ctx context.Context, entry domain.Entry) (domain.Entry, bool, error) {
	headersJSON, err := encodeJSON(entry.Headers)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("outbox: encode headers: %w", err)
	}
	contextJSON, err := encodeJSON(entry.Context)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("outbox: encode context: %w", err)
	}
	attachmentsJSON, err := encodeJSON(entry.Attachments)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("outbox: encode attachments: %w", err)
	}
	metadataJSON, err := encodeJSON(entry.Metadata)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("outbox: encode metadata: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO outbox_emails (
			namespace, purpose, dedup_key, flow_id,
			to_addresses, cc_addresses, bcc_addresses, reply_to, headers,
			subject, subject_override, html_body, text_body,
			template_slug, template_version, locale, context, attachments, metadata,
			status, priority, scheduled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (namespace, dedup_key) DO NOTHING
		RETURNING `+entryColumns,
		entry.Namespace, entry.Purpose, entry.DedupKey, entry.FlowID,
		entry.To, entry.CC, entry.BCC, entry.ReplyTo, headersJSON,
		entry.Subject, entry.SubjectOverride, entry.HTMLBody, entry.TextBody,
		entry.TemplateSlug, entry.TemplateVersion, entry.Locale, contextJSON, attachmentsJSON, metadataJSON,
		string(entry.Status), entry.Priority, entry.ScheduledAt,
	)
	stored, err := scanEntry(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Entry{}, false, err
	}

	// Conflict path: the row already existed, fetch it.
	existing, err := p.ByDedupKey(ctx, entry.Namespace, entry.DedupKey)
	if err != nil {
		return domain.Entry{}, false, err
	}
	return existing, false, nil
}

func (p *Postgres) AttachFlowID(ctx context.Context, id int64, flowID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET flow_id = $2, updated_at = now()
		WHERE id = $1 AND flow_id = ''`,
		id, flowID)
	return err
}

func (p *Postgres) Get(ctx context.Context, id int64) (domain.Entry, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_emails WHERE id = $1`, id)
	return scanEntry(row)
}

func (p *Postgres) ByDedupKey(ctx context.Context, namespace, dedupKey string) (domain.Entry, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_emails WHERE namespace = $1 AND dedup_key = $2`,
		namespace, dedupKey)
	return scanEntry(row)
}

func (p *Postgres) LatestByFlowID(ctx context.Context, flowID string) (domain.Entry, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_emails
		WHERE flow_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, flowID)
	return scanEntry(row)
}

// LeaseDueBatch claims due entries inside one transaction. SKIP LOCKED keeps
// concurrent drainers from contending over the same rows.
func (p *Postgres) LeaseDueBatch(ctx context.Context, now time.Time, limit int, workerID string) ([]domain.Entry, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM outbox_emails
		WHERE status IN ('queued', 'retrying')
		  AND scheduled_at <= $1
		  AND locked_at IS NULL
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	leased, err := tx.Query(ctx, `
		WITH leased AS (
			UPDATE outbox_emails
			SET status = 'sending', locked_at = $2, locked_by = $3, updated_at = now()
			WHERE id = ANY($1)
			RETURNING `+entryColumns+`
		)
		SELECT `+entryColumns+` FROM leased
		ORDER BY priority ASC, scheduled_at ASC, id ASC`,
		ids, now, workerID)
	if err != nil {
		return nil, err
	}
	var out []domain.Entry
	for leased.Next() {
		e, err := scanEntry(leased)
		if err != nil {
			leased.Close()
			return nil, err
		}
		out = append(out, e)
	}
	leased.Close()
	if err := leased.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (p *Postgres) BeginAttempt(ctx context.Context, id int64, leaseOwner string, at time.Time) (int, error) {
	var attempts int
	err := p.pool.QueryRow(ctx, `
		UPDATE outbox_emails
		SET attempts = attempts + 1, locked_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'sending' AND locked_by = $2
		RETURNING attempts`,
		id, leaseOwner, at).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrLeaseLost
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (p *Postgres) MarkSent(ctx context.Context, id int64, leaseOwner string, at time.Time, providerMessageID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = 'sent', sent_at = $3,
		    provider_message_id = $4, next_attempt_at = NULL,
		    last_error_at = NULL, last_error_code = '', last_error = '',
		    locked_at = NULL, locked_by = '', updated_at = now()
		WHERE id = $1 AND status = 'sending' AND locked_by = $2`,
		id, leaseOwner, at, providerMessageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkRetry(ctx context.Context, id int64, leaseOwner string, nextAt time.Time, code, lastError string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = 'retrying', scheduled_at = $3, next_attempt_at = $3,
		    last_error_at = now(), last_error_code = $4, last_error = $5,
		    locked_at = NULL, locked_by = '', updated_at = now()
		WHERE id = $1 AND status = 'sending' AND locked_by = $2`,
		id, leaseOwner, nextAt, code, truncateError(lastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkTerminal(ctx context.Context, id int64, leaseOwner string, status domain.Status, code, lastError string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = $3, next_attempt_at = NULL,
		    last_error_at = now(), last_error_code = $4, last_error = $5,
		    locked_at = NULL, locked_by = '', updated_at = now()
		WHERE id = $1 AND status = 'sending' AND locked_by = $2`,
		id, leaseOwner, string(status), code, truncateError(lastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, lastError string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = 'failed', next_attempt_at = NULL,
		    last_error_at = now(), last_error_code = 'admin', last_error = $2,
		    locked_at = NULL, locked_by = '', updated_at = now()
		WHERE id = $1`,
		id, truncateError(lastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) Requeue(ctx context.Context, id int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = 'queued', scheduled_at = $2, attempts = 0,
		    next_attempt_at = NULL, provider_message_id = '',
		    last_error_at = NULL, last_error_code = '', last_error = '',
		    locked_at = NULL, locked_by = '', sent_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO email_attempts (
			entry_id, number, status, classification, provider,
			provider_message_id, error, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.EntryID, a.Number, string(a.Status), a.Classification, a.Provider,
		a.ProviderMsgID, truncateError(a.Error), a.StartedAt, a.FinishedAt)
	return err
}

func (p *Postgres) CountAttempts(ctx context.Context, entryID int64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM email_attempts WHERE entry_id = $1`, entryID).Scan(&n)
	return n, err
}

func (p *Postgres) CountActiveSince(ctx context.Context, namespace, purpose, recipient string, since time.Time, includeFailed bool) (int64, error) {
	statuses := []string{"queued", "retrying", "sending", "sent"}
	if includeFailed {
		statuses = append(statuses, "failed")
	}
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_emails
		WHERE namespace = $1 AND purpose = $2
		  AND to_addresses[1] = $3
		  AND created_at >= $4
		  AND status = ANY($5)`,
		namespace, purpose, recipient, since, statuses).Scan(&n)
	return n, err
}

func (p *Postgres) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE outbox_emails
		SET status = 'queued', scheduled_at = now(),
		    locked_at = NULL, locked_by = '', updated_at = now()
		WHERE status = 'sending' AND locked_at IS NOT NULL AND locked_at < $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) CountByStatus(ctx context.Context, namespace string) ([]domain.StatusCount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT status, count(*) FROM outbox_emails
		WHERE namespace = $1 OR $1 = ''
		GROUP BY status
		ORDER BY status`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusCount
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out = append(out, domain.StatusCount{Status: domain.Status(status), Count: count})
	}
	return out, rows.Err()
}

// truncateError caps stored error text so a pathological provider response
// cannot bloat the row.
func truncateError(msg string) string {
	const max = 2000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
