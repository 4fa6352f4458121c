package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elazharjebbari/alfenna-sub002/internal/templates/domain"
)

type Postgres struct{ pool *pgxpool.Pool }

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

var _ domain.Repository = (*Postgres)(nil)

const templateColumns = `id, slug, locale, version, subject, html_body, text_body, description, is_active, metadata, created_at, updated_at`

func scanTemplate(row pgx.Row) (domain.Record, error) {
	var rec domain.Record
	var meta []byte
	err := row.Scan(
		&rec.ID, &rec.Slug, &rec.Locale, &rec.Version,
		&rec.Subject, &rec.HTMLBody, &rec.TextBody, &rec.Description,
		&rec.IsActive, &meta, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.Record{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return domain.Record{}, fmt.Errorf("templates: decode metadata: %w", err)
		}
	}
	return rec, nil
}

func (r *Postgres) LatestActive(ctx context.Context, slug, locale string) (domain.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE slug = $1 AND locale = $2 AND is_active
		ORDER BY version DESC
		LIMIT 1`, slug, locale)
	rec, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrTemplateNotFound
	}
	return rec, err
}

func (r *Postgres) Latest(ctx context.Context, slug, locale string) (domain.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE slug = $1 AND locale = $2
		ORDER BY version DESC
		LIMIT 1`, slug, locale)
	rec, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrTemplateNotFound
	}
	return rec, err
}

func (r *Postgres) Insert(ctx context.Context, rec domain.Record) (domain.Record, error) {
	meta, err := json.Marshal(orEmptyMap(rec.Metadata))
	if err != nil {
		return domain.Record{}, fmt.Errorf("templates: encode metadata: %w", err)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO email_templates (slug, locale, version, subject, html_body, text_body, description, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+templateColumns,
		rec.Slug, rec.Locale, rec.Version, rec.Subject, rec.HTMLBody, rec.TextBody,
		rec.Description, rec.IsActive, meta,
	)
	return scanTemplate(row)
}

func (r *Postgres) Deactivate(ctx context.Context, slug, locale string, version int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE email_templates
		SET is_active = FALSE, updated_at = now()
		WHERE slug = $1 AND locale = $2 AND version = $3`, slug, locale, version)
	return err
}

func (r *Postgres) ListVersions(ctx context.Context, slug string) ([]domain.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE slug = $1
		ORDER BY locale, version DESC`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
