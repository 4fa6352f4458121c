package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/metrics"
	"github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	tpldomain "github.com/elazharjebbari/alfenna-sub002/internal/templates/domain"
)

// Renderer resolves a template and renders it with a context. Satisfied by
// the templates service.
type Renderer interface {
	ResolveAndRender(ctx context.Context, slug, locale string, context map[string]any) (tpldomain.Rendered, error)
}

// ComposeRequest carries everything needed to enqueue one message.
type ComposeRequest struct {
	Namespace string
	Purpose   string

	To      []string
	CC      []string
	BCC     []string
	ReplyTo string
	Headers map[string]string

	TemplateSlug    string
	SubjectOverride string
	Locale          string
	Context         map[string]any
	Attachments     []domain.Attachment
	Metadata        map[string]any

	// DedupKey overrides the content hash when the caller owns a
	// natural idempotency key.
	DedupKey string
	FlowID   string
	Priority int

	// ScheduledAt delays the first attempt. Zero means now.
	ScheduledAt time.Time
}

// Service composes messages into durable outbox entries.
type Service struct {
	repo       domain.Repository
	renderer   Renderer
	clock      clock.Clock
	log        zerolog.Logger
	onEnqueued func()
}

func New(repo domain.Repository, renderer Renderer, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		renderer: renderer,
		clock:    clk,
		log:      log.With().Str("component", "outbox").Logger(),
	}
}

// OnEnqueued registers a callback fired after every newly created entry,
// used to nudge the drain scheduler without waiting for its tick.
func (s *Service) OnEnqueued(fn func()) { s.onEnqueued = fn }

// ComposeAndEnqueue renders the template and upserts the entry. The boolean
// reports whether a new row was created; false means an entry with the same
// deduplication key already existed and was returned instead.
func (s *Service) ComposeAndEnqueue(ctx context.Context, req ComposeRequest) (domain.Entry, bool, error) {
	to := normalizeRecipients(req.To)
	if len(to) == 0 {
		return domain.Entry{}, false, domain.ErrNoRecipients
	}
	cc := normalizeRecipients(req.CC)
	bcc := normalizeRecipients(req.BCC)

	rendered, err := s.renderer.ResolveAndRender(ctx, req.TemplateSlug, req.Locale, req.Context)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("outbox: render %s: %w", req.TemplateSlug, err)
	}

	dedupKey := req.DedupKey
	if dedupKey == "" {
		dedupKey = ContentDedupKey(req.Namespace, req.Purpose, to[0], rendered.TemplateSlug, rendered.TemplateVersion, req.Context)
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = s.clock.Now()
	}

	entry := domain.Entry{
		Namespace:       req.Namespace,
		Purpose:         req.Purpose,
		DedupKey:        dedupKey,
		FlowID:          req.FlowID,
		To:              to,
		CC:              cc,
		BCC:             bcc,
		ReplyTo:         strings.TrimSpace(req.ReplyTo),
		Headers:         req.Headers,
		Subject:         rendered.Subject,
		SubjectOverride: strings.TrimSpace(req.SubjectOverride),
		HTMLBody:        rendered.HTML,
		TextBody:        rendered.Text,
		TemplateSlug:    rendered.TemplateSlug,
		TemplateVersion: rendered.TemplateVersion,
		Locale:          rendered.Locale,
		Context:         rendered.Context,
		Attachments:     req.Attachments,
		Metadata:        req.Metadata,
		Status:          domain.StatusQueued,
		Priority:        req.Priority,
		ScheduledAt:     scheduledAt,
	}

	stored, created, err := s.repo.GetOrCreate(ctx, entry)
	if err != nil {
		return domain.Entry{}, false, err
	}
	if created {
		metrics.IncOutboxOutcome(req.Purpose, "enqueued")
		s.log.Info().
			Str("namespace", stored.Namespace).
			Str("purpose", stored.Purpose).
			Int64("entry_id", stored.ID).
			Msg("message enqueued")
		if s.onEnqueued != nil {
			s.onEnqueued()
		}
		return stored, true, nil
	}

	metrics.IncOutboxOutcome(req.Purpose, "deduplicated")
	if req.FlowID != "" && stored.FlowID == "" {
		if err := s.repo.AttachFlowID(ctx, stored.ID, req.FlowID); err != nil {
			return domain.Entry{}, false, err
		}
		stored.FlowID = req.FlowID
	}
	s.log.Debug().
		Str("namespace", stored.Namespace).
		Str("dedup_key", stored.DedupKey).
		Int64("entry_id", stored.ID).
		Msg("duplicate enqueue absorbed")
	return stored, false, nil
}

// EnqueueSuppressed records an entry that is born suppressed, so the refusal
// itself is auditable. No template is rendered.
func (s *Service) EnqueueSuppressed(ctx context.Context, req ComposeRequest, reason string) (domain.Entry, error) {
	to := normalizeRecipients(req.To)
	if len(to) == 0 {
		return domain.Entry{}, domain.ErrNoRecipients
	}
	context := map[string]any{"reason": reason}
	for k, v := range req.Context {
		context[k] = v
	}
	entry := domain.Entry{
		Namespace:    req.Namespace,
		Purpose:      req.Purpose,
		DedupKey:     req.DedupKey,
		FlowID:       req.FlowID,
		To:           to,
		TemplateSlug: req.TemplateSlug,
		Locale:       req.Locale,
		Context:      context,
		Status:       domain.StatusSuppressed,
		ScheduledAt:  s.clock.Now(),
	}
	stored, created, err := s.repo.GetOrCreate(ctx, entry)
	if err != nil {
		return domain.Entry{}, err
	}
	if created {
		metrics.IncOutboxOutcome(req.Purpose, "suppressed")
	}
	return stored, nil
}

// Resend clones a terminal entry under a fresh deduplication key so the
// copy re-enters the queue while the original keeps its audit trail. It is
// an operator action, not part of the automatic retry path.
func (s *Service) Resend(ctx context.Context, id int64) (domain.Entry, error) {
	original, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Entry{}, err
	}
	if original.Active() {
		return domain.Entry{}, fmt.Errorf("outbox: entry %d is still active", id)
	}

	now := s.clock.Now()
	clone := original
	clone.ID = 0
	clone.DedupKey = fmt.Sprintf("%s:resend:%d", original.DedupKey, now.Unix())
	clone.Status = domain.StatusQueued
	clone.Attempts = 0
	clone.LockedAt = nil
	clone.LockedBy = ""
	clone.SentAt = nil
	clone.ScheduledAt = now
	clone.NextAttemptAt = nil
	clone.ProviderMessageID = ""
	clone.LastErrorAt = nil
	clone.LastErrorCode = ""
	clone.LastError = ""

	stored, created, err := s.repo.GetOrCreate(ctx, clone)
	if err != nil {
		return domain.Entry{}, err
	}
	if created {
		metrics.IncOutboxOutcome(stored.Purpose, "resent")
		s.log.Info().Int64("source_id", id).Int64("entry_id", stored.ID).Msg("entry resent")
		if s.onEnqueued != nil {
			s.onEnqueued()
		}
	}
	return stored, nil
}

// FlowState is the caller-visible delivery state of a flow.
type FlowState string

const (
	FlowNoop       FlowState = "noop"
	FlowQueued     FlowState = "queued"
	FlowRetrying   FlowState = "retrying"
	FlowSent       FlowState = "sent"
	FlowSuppressed FlowState = "suppressed"
)

// FlowReport is what the status-polling endpoint exposes about a flow.
type FlowReport struct {
	State         FlowState
	Purpose       string
	Attempts      int
	NextAttemptAt *time.Time
	IssueCode     string
}

// FlowStatus collapses the latest entry of a flow into one of five states.
// Unknown flow ids map to noop so the endpoint never confirms whether a
// flow exists.
func (s *Service) FlowStatus(ctx context.Context, flowID string) (FlowReport, error) {
	entry, err := s.repo.LatestByFlowID(ctx, flowID)
	if err != nil {
		if err == domain.ErrNotFound {
			return FlowReport{State: FlowNoop}, nil
		}
		return FlowReport{State: FlowNoop}, err
	}
	report := FlowReport{
		State:    FlowNoop,
		Purpose:  entry.Purpose,
		Attempts: entry.Attempts,
	}
	switch entry.Status {
	case domain.StatusQueued, domain.StatusSending:
		report.State = FlowQueued
	case domain.StatusRetrying:
		report.State = FlowRetrying
		report.NextAttemptAt = entry.NextAttemptAt
		report.IssueCode = entry.LastErrorCode
	case domain.StatusSent:
		report.State = FlowSent
	case domain.StatusSuppressed, domain.StatusFailed:
		report.State = FlowSuppressed
		report.IssueCode = entry.LastErrorCode
	}
	if report.State == FlowSuppressed && report.IssueCode == "" {
		if reason, ok := entry.Context["reason"].(string); ok {
			report.IssueCode = reason
		}
	}
	return report, nil
}

// MarkFailed parks an entry in FAILED for human follow-up. The automatic
// delivery path never writes this status.
func (s *Service) MarkFailed(ctx context.Context, id int64, reason string) error {
	if err := s.repo.MarkFailed(ctx, id, reason); err != nil {
		return err
	}
	metrics.IncOutboxOutcome("admin", "failed")
	s.log.Warn().Int64("entry_id", id).Str("reason", reason).Msg("entry marked failed")
	return nil
}

// ContentDedupKey derives the stable idempotency key for a composed
// message: a sha256 over the canonical JSON of its identifying parts.
// json.Marshal writes map keys in sorted order, which makes the encoding
// canonical for equal inputs.
func ContentDedupKey(namespace, purpose, recipient, slug string, version int, context map[string]any) string {
	payload := map[string]any{
		"namespace": namespace,
		"purpose":   purpose,
		"recipient": recipient,
		"template":  fmt.Sprintf("%s:%d", slug, version),
		"context":   context,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Context values come from our own producers and are always
		// JSON encodable; fall back to the identifying parts alone.
		raw = []byte(fmt.Sprintf("%s|%s|%s|%s:%d", namespace, purpose, recipient, slug, version))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func normalizeRecipients(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	var out []string
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
