package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	"github.com/elazharjebbari/alfenna-sub002/internal/templates/domain"
)

// fakeRepo is an in-memory domain.Repository for service tests.
type fakeRepo struct {
	records []domain.Record
	nextID  int64
}

var _ domain.Repository = (*fakeRepo)(nil)

func (f *fakeRepo) LatestActive(_ context.Context, slug, locale string) (domain.Record, error) {
	return f.latest(slug, locale, true)
}

func (f *fakeRepo) Latest(_ context.Context, slug, locale string) (domain.Record, error) {
	return f.latest(slug, locale, false)
}

func (f *fakeRepo) latest(slug, locale string, activeOnly bool) (domain.Record, error) {
	best := domain.Record{Version: 0}
	found := false
	for _, r := range f.records {
		if r.Slug != slug || r.Locale != locale {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		if !found || r.Version > best.Version {
			best = r
			found = true
		}
	}
	if !found {
		return domain.Record{}, domain.ErrTemplateNotFound
	}
	return best, nil
}

func (f *fakeRepo) Insert(_ context.Context, rec domain.Record) (domain.Record, error) {
	for _, r := range f.records {
		if r.Slug == rec.Slug && r.Locale == rec.Locale && r.Version == rec.Version {
			return domain.Record{}, fmt.Errorf("duplicate version %d", rec.Version)
		}
	}
	f.nextID++
	rec.ID = f.nextID
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeRepo) Deactivate(_ context.Context, slug, locale string, version int) error {
	for i, r := range f.records {
		if r.Slug == slug && r.Locale == locale && r.Version == version {
			f.records[i].IsActive = false
		}
	}
	return nil
}

func (f *fakeRepo) ListVersions(_ context.Context, slug string) ([]domain.Record, error) {
	var out []domain.Record
	for _, r := range f.records {
		if r.Slug == slug {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRenderSubstitution(t *testing.T) {
	svc := New(&fakeRepo{}, "fr", logger.Nop())
	rec := domain.Record{
		Slug:    "accounts/verify",
		Locale:  "fr",
		Version: 3,
		Subject: "  Bonjour {user_first_name}  ",
		HTMLBody: `<p>Bonjour {{ user_first_name }},</p>` +
			`<a href="{verification_url}">Verify</a> — {site_name}`,
		TextBody: "Bonjour {user_first_name}\n{verification_url}\nmissing={unknown_key}",
	}
	out := svc.Render(rec, map[string]any{
		"user_first_name":  "Alice",
		"verification_url": "https://example.com/verify?t=abc",
		"site_name":        "Lumiere",
	})

	assert.Equal(t, "Bonjour Alice", out.Subject, "subject is stripped")
	assert.Contains(t, out.HTML, "Bonjour Alice,")
	assert.Contains(t, out.HTML, `href="https://example.com/verify?t=abc"`)
	assert.Contains(t, out.Text, "missing=", "unknown keys render empty, never error")
	assert.NotContains(t, out.Text, "{unknown_key}")
	assert.Equal(t, "accounts/verify", out.TemplateSlug)
	assert.Equal(t, 3, out.TemplateVersion)
}

func TestRenderNumericAndNested(t *testing.T) {
	svc := New(&fakeRepo{}, "fr", logger.Nop())
	rec := domain.Record{Subject: "s", TextBody: "hours={{ ttl_hours }} ref={order.reference}"}
	out := svc.Render(rec, map[string]any{
		"ttl_hours": float64(24),
		"order":     map[string]any{"reference": "CMD-1"},
	})
	assert.Equal(t, "hours=24 ref=CMD-1", out.Text)
}

func TestResolveLocaleFallback(t *testing.T) {
	repo := &fakeRepo{}
	ctx := context.Background()
	_, err := repo.Insert(ctx, domain.Record{Slug: "billing/invoice", Locale: "en", Version: 1, IsActive: true})
	require.NoError(t, err)

	svc := New(repo, "fr", logger.Nop())

	t.Run("falls back to en", func(t *testing.T) {
		rec, err := svc.Resolve(ctx, "billing/invoice", "ar")
		require.NoError(t, err)
		assert.Equal(t, "en", rec.Locale)
	})

	t.Run("prefers default locale over en", func(t *testing.T) {
		_, err := repo.Insert(ctx, domain.Record{Slug: "billing/invoice", Locale: "fr", Version: 1, IsActive: true})
		require.NoError(t, err)
		rec, err := svc.Resolve(ctx, "billing/invoice", "ar")
		require.NoError(t, err)
		assert.Equal(t, "fr", rec.Locale)
	})

	t.Run("requested locale wins", func(t *testing.T) {
		_, err := repo.Insert(ctx, domain.Record{Slug: "billing/invoice", Locale: "ar", Version: 1, IsActive: true})
		require.NoError(t, err)
		rec, err := svc.Resolve(ctx, "billing/invoice", "ar")
		require.NoError(t, err)
		assert.Equal(t, "ar", rec.Locale)
	})

	t.Run("not found anywhere", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "billing/receipt", "ar")
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})
}

func TestResolvePicksHighestActiveVersion(t *testing.T) {
	repo := &fakeRepo{}
	ctx := context.Background()
	for v := 1; v <= 3; v++ {
		_, err := repo.Insert(ctx, domain.Record{Slug: "accounts/reset", Locale: "fr", Version: v, IsActive: true})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Deactivate(ctx, "accounts/reset", "fr", 3))

	svc := New(repo, "fr", logger.Nop())
	rec, err := svc.Resolve(ctx, "accounts/reset", "fr")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version, "inactive records never participate in resolution")
}
