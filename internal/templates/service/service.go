package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/templates/domain"
)

// Service resolves and renders versioned templates with locale fallback.
type Service struct {
	repo          domain.Repository
	defaultLocale string
	log           zerolog.Logger
}

func New(repo domain.Repository, defaultLocale string, log zerolog.Logger) *Service {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	return &Service{repo: repo, defaultLocale: defaultLocale, log: log}
}

// Resolve returns the latest active record for slug, trying locales in order:
// requested, platform default, "en". Duplicates in that chain are skipped.
func (s *Service) Resolve(ctx context.Context, slug, locale string) (domain.Record, error) {
	for _, loc := range s.fallbackChain(locale) {
		rec, err := s.repo.LatestActive(ctx, slug, loc)
		if err == nil {
			return rec, nil
		}
		if err != domain.ErrTemplateNotFound {
			return domain.Record{}, err
		}
	}
	return domain.Record{}, domain.ErrTemplateNotFound
}

// Render evaluates the record's subject, HTML and text independently against
// the context. The subject is stripped of surrounding whitespace; bodies are
// returned verbatim.
func (s *Service) Render(rec domain.Record, context map[string]any) domain.Rendered {
	ctx := map[string]any{}
	for k, v := range context {
		ctx[k] = v
	}
	return domain.Rendered{
		Subject:         strings.TrimSpace(substitute(rec.Subject, ctx, s.log)),
		HTML:            substitute(rec.HTMLBody, ctx, s.log),
		Text:            substitute(rec.TextBody, ctx, s.log),
		Context:         ctx,
		TemplateSlug:    rec.Slug,
		TemplateVersion: rec.Version,
		Locale:          rec.Locale,
	}
}

// ResolveAndRender is the common composition path used by the outbox.
func (s *Service) ResolveAndRender(ctx context.Context, slug, locale string, context map[string]any) (domain.Rendered, error) {
	rec, err := s.Resolve(ctx, slug, locale)
	if err != nil {
		return domain.Rendered{}, err
	}
	return s.Render(rec, context), nil
}

// ListVersions returns every stored version of a slug across locales.
func (s *Service) ListVersions(ctx context.Context, slug string) ([]domain.Record, error) {
	return s.repo.ListVersions(ctx, slug)
}

// Deactivate retires one (slug, locale, version) from resolution. Earlier
// active versions take over; sync restores the content as a new version if
// the file still exists.
func (s *Service) Deactivate(ctx context.Context, slug, locale string, version int) error {
	if err := s.repo.Deactivate(ctx, slug, normalizeLocale(locale), version); err != nil {
		return err
	}
	s.log.Info().Str("slug", slug).Str("locale", locale).Int("version", version).Msg("template deactivated")
	return nil
}

func (s *Service) fallbackChain(locale string) []string {
	candidates := []string{normalizeLocale(locale), normalizeLocale(s.defaultLocale), "en"}
	seen := map[string]bool{}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func normalizeLocale(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "_", "-"))
}
