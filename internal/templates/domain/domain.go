package domain

import (
	"context"
	"errors"
	"time"
)

// ErrTemplateNotFound is returned when no active template matches the slug in
// any fallback locale.
var ErrTemplateNotFound = errors.New("template not found")

// Record is a versioned email template stored in the database. The tuple
// (slug, locale, version) is unique; resolution picks the highest active
// version for a (slug, locale) pair.
type Record struct {
	ID          int64
	Slug        string
	Locale      string
	Version     int
	Subject     string
	HTMLBody    string
	TextBody    string
	Description string
	IsActive    bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Rendered is the output of evaluating a Record against a context.
type Rendered struct {
	Subject         string
	HTML            string
	Text            string
	Context         map[string]any
	TemplateSlug    string
	TemplateVersion int
	Locale          string
}

type Repository interface {
	// LatestActive returns the highest active version for (slug, locale),
	// or ErrTemplateNotFound.
	LatestActive(ctx context.Context, slug, locale string) (Record, error)
	// Latest returns the highest version regardless of active flag,
	// or ErrTemplateNotFound. Used by the filesystem sync.
	Latest(ctx context.Context, slug, locale string) (Record, error)
	Insert(ctx context.Context, rec Record) (Record, error)
	Deactivate(ctx context.Context, slug, locale string, version int) error
	ListVersions(ctx context.Context, slug string) ([]Record, error)
}
