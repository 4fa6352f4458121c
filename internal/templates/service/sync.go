package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/elazharjebbari/alfenna-sub002/internal/templates/domain"
)

// SyncResult reports what one reconciliation pass did.
type SyncResult struct {
	Discovered int
	Created    int
	Unchanged  int
}

// definition is one on-disk template triple.
type definition struct {
	slug     string
	locale   string
	subject  string
	htmlBody string
	textBody string
	sources  map[string]string
}

// SyncFromFilesystem reconciles on-disk template triples into the database.
// The expected layout is {root}/{category}/{locale}/{name}.subject.txt with
// sibling {name}.html and {name}.txt; the slug becomes "{category}/{name}".
// A new version is inserted only when the normalized content differs from the
// latest stored version, so the sync is idempotent over a stable tree.
func (s *Service) SyncFromFilesystem(ctx context.Context, root string) (SyncResult, error) {
	defs, err := discover(root)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Discovered: len(defs)}
	for _, def := range defs {
		latest, err := s.repo.Latest(ctx, def.slug, def.locale)
		switch {
		case err == nil && matches(latest, def):
			res.Unchanged++
			continue
		case err != nil && err != domain.ErrTemplateNotFound:
			return res, err
		}

		version := 1
		if err == nil {
			version = latest.Version + 1
		}
		rec := domain.Record{
			Slug:     def.slug,
			Locale:   def.locale,
			Version:  version,
			Subject:  def.subject,
			HTMLBody: def.htmlBody,
			TextBody: def.textBody,
			IsActive: true,
			Metadata: map[string]any{"sources": def.sources},
		}
		if _, err := s.repo.Insert(ctx, rec); err != nil {
			return res, fmt.Errorf("templates: sync %s/%s: %w", def.slug, def.locale, err)
		}
		res.Created++
		s.log.Info().Str("slug", def.slug).Str("locale", def.locale).Int("version", version).Msg("template version created")
	}
	return res, nil
}

func discover(root string) ([]definition, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", root)
	}

	categories, err := sortedDirs(root)
	if err != nil {
		return nil, err
	}

	var defs []definition
	for _, category := range categories {
		locales, err := sortedDirs(filepath.Join(root, category))
		if err != nil {
			return nil, err
		}
		for _, locale := range locales {
			dir := filepath.Join(root, category, locale)
			subjects, err := filepath.Glob(filepath.Join(dir, "*.subject.txt"))
			if err != nil {
				return nil, err
			}
			sort.Strings(subjects)
			for _, subjectPath := range subjects {
				name := strings.TrimSuffix(filepath.Base(subjectPath), ".subject.txt")
				htmlPath := filepath.Join(dir, name+".html")
				textPath := filepath.Join(dir, name+".txt")
				subject, err := os.ReadFile(subjectPath)
				if err != nil {
					return nil, err
				}
				htmlBody, err := os.ReadFile(htmlPath)
				if err != nil {
					if os.IsNotExist(err) {
						continue // incomplete triple, skip
					}
					return nil, err
				}
				textBody, err := os.ReadFile(textPath)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, err
				}
				defs = append(defs, definition{
					slug:     category + "/" + name,
					locale:   locale,
					subject:  strings.TrimSpace(string(subject)),
					htmlBody: string(htmlBody),
					textBody: string(textBody),
					sources: map[string]string{
						"subject": subjectPath,
						"html":    htmlPath,
						"text":    textPath,
					},
				})
			}
		}
	}
	return defs, nil
}

func sortedDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// normalizeContent makes comparisons insensitive to CRLF and trailing
// whitespace, so checking a tree out on another platform does not bump
// every template version.
func normalizeContent(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func matches(rec domain.Record, def definition) bool {
	return normalizeContent(rec.Subject) == normalizeContent(def.subject) &&
		normalizeContent(rec.HTMLBody) == normalizeContent(def.htmlBody) &&
		normalizeContent(rec.TextBody) == normalizeContent(def.textBody)
}
