package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an outbox entry cannot be located.
	ErrNotFound = errors.New("outbox: entry not found")
	// ErrNoRecipients is returned when composition yields an empty recipient set.
	ErrNoRecipients = errors.New("outbox: no recipients")
	// ErrLeaseLost is returned when a worker tries to advance an entry
	// whose lease it no longer holds. The entry was reaped and possibly
	// redelivered; the late worker must not touch it.
	ErrLeaseLost = errors.New("outbox: lease lost")
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRetrying   Status = "retrying"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// AttemptStatus records how a single delivery attempt ended.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
	AttemptRetry   AttemptStatus = "retry"
)

// Attachment is a rendered file carried with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Entry is one durable outbox row. The rendered subject and bodies are
// frozen at enqueue time so later template edits never alter a queued
// message.
type Entry struct {
	ID        int64
	Namespace string
	Purpose   string
	DedupKey  string
	FlowID    string

	To      []string
	CC      []string
	BCC     []string
	ReplyTo string
	Headers map[string]string

	Subject         string
	SubjectOverride string
	HTMLBody        string
	TextBody        string

	TemplateSlug    string
	TemplateVersion int
	Locale          string
	Context         map[string]any
	Attachments     []Attachment
	Metadata        map[string]any

	Status Status
	// Priority orders draining, lower values first.
	Priority int
	Attempts int

	ScheduledAt   time.Time
	NextAttemptAt *time.Time
	LockedAt      *time.Time
	LockedBy      string
	SentAt        *time.Time

	ProviderMessageID string
	LastErrorAt       *time.Time
	LastErrorCode     string
	LastError         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryRecipient returns the first To address, or "" when none exist.
func (e Entry) PrimaryRecipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0]
}

// EffectiveSubject returns the subject the message ships with, preferring
// the per-entry override over the rendered one.
func (e Entry) EffectiveSubject() string {
	if e.SubjectOverride != "" {
		return e.SubjectOverride
	}
	return e.Subject
}

// Active reports whether the entry still expects a delivery attempt.
func (e Entry) Active() bool {
	switch e.Status {
	case StatusQueued, StatusRetrying, StatusSending:
		return true
	}
	return false
}

// Attempt is one delivery attempt record kept for audit.
type Attempt struct {
	ID             int64
	EntryID        int64
	Number         int
	Status         AttemptStatus
	Classification string
	Provider       string
	ProviderMsgID  string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// StatusCount pairs a status with how many entries currently hold it.
type StatusCount struct {
	Status Status
	Count  int64
}

// Repository is the persistence boundary for outbox entries.
type Repository interface {
	// GetOrCreate inserts the entry unless a row with the same
	// (namespace, dedup key) already exists, in which case the stored
	// row is returned and created is false.
	GetOrCreate(ctx context.Context, entry Entry) (stored Entry, created bool, err error)

	// AttachFlowID backfills the flow id on an existing entry when it
	// is empty. Existing flow ids are never overwritten.
	AttachFlowID(ctx context.Context, id int64, flowID string) error

	Get(ctx context.Context, id int64) (Entry, error)
	ByDedupKey(ctx context.Context, namespace, dedupKey string) (Entry, error)
	LatestByFlowID(ctx context.Context, flowID string) (Entry, error)

	// LeaseDueBatch atomically claims up to limit due entries for the
	// named worker, moving them to SENDING and stamping the lease.
	LeaseDueBatch(ctx context.Context, now time.Time, limit int, workerID string) ([]Entry, error)

	// BeginAttempt increments the attempt tally and refreshes the lease
	// timestamp before the SMTP conversation starts, so a worker that
	// dies mid-send still consumed an attempt. Returns the new tally,
	// or ErrLeaseLost when the row is no longer leased to leaseOwner.
	BeginAttempt(ctx context.Context, id int64, leaseOwner string, at time.Time) (int, error)

	// MarkSent finalizes a successful delivery, records the provider
	// message id and clears the lease and error fields. Returns
	// ErrLeaseLost when leaseOwner no longer holds the lease.
	MarkSent(ctx context.Context, id int64, leaseOwner string, at time.Time, providerMessageID string) error
	// MarkRetry schedules the next attempt, records the classified
	// error and clears the lease. Returns ErrLeaseLost when leaseOwner
	// no longer holds the lease.
	MarkRetry(ctx context.Context, id int64, leaseOwner string, nextAt time.Time, code, lastError string) error
	// MarkTerminal parks the entry in a terminal status (suppressed or
	// failed), records the classified error and clears the lease.
	// Returns ErrLeaseLost when leaseOwner no longer holds the lease.
	MarkTerminal(ctx context.Context, id int64, leaseOwner string, status Status, code, lastError string) error
	// MarkFailed parks the entry as FAILED regardless of lease state.
	// Operator surface only; delivery workers use the guarded marks.
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// Requeue moves a terminal entry back to QUEUED for an operator
	// initiated resend of the same row.
	Requeue(ctx context.Context, id int64, at time.Time) error

	AppendAttempt(ctx context.Context, attempt Attempt) error
	CountAttempts(ctx context.Context, entryID int64) (int, error)

	// CountActiveSince counts non-terminal entries for a recipient and
	// purpose created at or after the cutoff. When includeFailed is
	// true, FAILED rows count as well.
	CountActiveSince(ctx context.Context, namespace, purpose, recipient string, since time.Time, includeFailed bool) (int64, error)

	// ReapStale resets SENDING entries whose lease is older than the
	// cutoff back to QUEUED, due immediately, so a crashed worker
	// cannot strand them.
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)

	CountByStatus(ctx context.Context, namespace string) ([]StatusCount, error)
}
