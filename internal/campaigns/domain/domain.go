package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCampaignNotFound = errors.New("campaigns: not found")
	ErrNotRunnable      = errors.New("campaigns: not in a runnable state")
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// RecipientStatus tracks fan-out progress per audience member.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientSuppressed RecipientStatus = "suppressed"
)

// Campaign is one marketing send addressed to a built audience. Locale,
// when set, overrides each recipient's own locale; BatchSize of zero
// falls back to the service default.
type Campaign struct {
	ID              int64
	Slug            string
	Name            string
	Status          Status
	TemplateSlug    string
	Locale          string
	SubjectOverride string
	Context         map[string]any
	DryRun          bool
	BatchSize       int
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recipient is one audience member of a campaign. The (campaign, email)
// pair is unique, so audience rebuilds are idempotent.
type Recipient struct {
	ID             int64
	CampaignID     int64
	UserID         int64
	Email          string
	Locale         string
	Status         RecipientStatus
	OutboxID       *int64
	LastEnqueuedAt *time.Time
	UpdatedAt      time.Time
}

// Repository is the persistence boundary for campaigns.
type Repository interface {
	GetBySlug(ctx context.Context, slug string) (Campaign, error)
	Create(ctx context.Context, c Campaign) (Campaign, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	Schedule(ctx context.Context, id int64, at time.Time) error

	// ListDue returns scheduled campaigns whose scheduled time has
	// passed.
	ListDue(ctx context.Context, now time.Time) ([]Campaign, error)

	// MarkRunning flips scheduled-or-paused to running; reports whether
	// this call won the transition.
	MarkRunning(ctx context.Context, id int64, at time.Time) (bool, error)
	Complete(ctx context.Context, id int64, at time.Time) error

	// InsertRecipients adds audience members, silently skipping emails
	// already present for the campaign. Returns how many were new.
	InsertRecipients(ctx context.Context, campaignID int64, recipients []Recipient) (int64, error)

	// PendingBatch returns up to limit recipients still awaiting
	// fan-out, in id order.
	PendingBatch(ctx context.Context, campaignID int64, limit int) ([]Recipient, error)

	// UpdateRecipientStatus records fan-out progress and stamps the
	// recipient's last enqueue time.
	UpdateRecipientStatus(ctx context.Context, recipientID int64, status RecipientStatus, outboxID *int64) error
	CountPending(ctx context.Context, campaignID int64) (int64, error)
}
