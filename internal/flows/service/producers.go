package service

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outbox "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/ratelimit"
	"github.com/elazharjebbari/alfenna-sub002/internal/token"
	usersdomain "github.com/elazharjebbari/alfenna-sub002/internal/users/domain"
)

// Outbox namespaces.
const (
	NamespaceAccounts = "accounts"
	NamespaceBilling  = "billing"
)

// Message purposes. The purpose scopes retry policies and rate limits,
// so these strings are part of the platform contract.
const (
	PurposeEmailVerification = "email_verification"
	PurposePasswordReset     = "password_reset"
	PurposeUnsubscribe       = "unsubscribe"
	PurposeOrderActivation   = "order_activation"
	PurposeInvoiceReady      = "invoice_ready"
)

// Token purposes. Capability tokens carry their own scope, separate from
// the message purpose of the email that delivered them.
const (
	TokenPurposeVerifyEmail   = "verify-email"
	TokenPurposePasswordReset = "password_reset"
	TokenPurposeUnsubscribe   = "unsubscribe"
	TokenPurposeActivation    = "activation"
	TokenPurposeInvoice       = "invoice_download"
)

// Template slugs, matched to the on-disk catalog layout.
const (
	tplVerify     = "accounts/verify"
	tplReset      = "accounts/reset"
	tplActivation = "accounts/activation"
	tplInvoice    = "billing/invoice"
)

// Enqueuer is the outbox surface producers compose through.
type Enqueuer interface {
	ComposeAndEnqueue(ctx context.Context, req outbox.ComposeRequest) (outboxdomain.Entry, bool, error)
	EnqueueSuppressed(ctx context.Context, req outbox.ComposeRequest, reason string) (outboxdomain.Entry, error)
	FlowStatus(ctx context.Context, flowID string) (outbox.FlowReport, error)
}

// UserStore is the accounts surface the flows need.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (usersdomain.User, error)
	GetByEmail(ctx context.Context, email string) (usersdomain.User, error)
	ProvisionForOrder(ctx context.Context, email, firstName, lastName, locale string) (usersdomain.User, bool, error)
	MarkEmailVerified(ctx context.Context, id int64) error
	OptOutMarketing(ctx context.Context, id int64) error
	SetPassword(ctx context.Context, id int64, password string) error
}

// RateLimiter throttles per (purpose, user).
type RateLimiter interface {
	Evaluate(ctx context.Context, namespace, purpose string, userID int64, recipient string) (ratelimit.Decision, error)
}

// CampaignRunner is the slice of the campaign engine the boundary drives.
type CampaignRunner interface {
	EnqueueBatch(ctx context.Context, slug string, limit int) (int, error)
}

// Producers owns the transactional email flows: each producer derives its
// idempotency key, mints its capability token and hands the outbox a fully
// specified compose request.
type Producers struct {
	outbox    Enqueuer
	users     UserStore
	limiter   RateLimiter
	tokens    *token.Service
	campaigns CampaignRunner
	cfg       config.Config
	log       zerolog.Logger
}

func NewProducers(enq Enqueuer, users UserStore, limiter RateLimiter, tokens *token.Service, campaigns CampaignRunner, cfg config.Config, log zerolog.Logger) *Producers {
	return &Producers{
		outbox:    enq,
		users:     users,
		limiter:   limiter,
		tokens:    tokens,
		campaigns: campaigns,
		cfg:       cfg,
		log:       log.With().Str("component", "flows").Logger(),
	}
}

// EnqueueEmailVerification sends (or refuses) a verification email for the
// account. Refusals are recorded as suppressed entries.
func (p *Producers) EnqueueEmailVerification(ctx context.Context, userID int64) (outboxdomain.Entry, error) {
	user, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return outboxdomain.Entry{}, err
	}

	decision, err := p.limiter.Evaluate(ctx, NamespaceAccounts, PurposeEmailVerification, user.ID, user.Email)
	if err != nil {
		return outboxdomain.Entry{}, err
	}

	signed, err := p.tokens.Mint(NamespaceAccounts, TokenPurposeVerifyEmail, map[string]any{"user_id": user.ID})
	if err != nil {
		return outboxdomain.Entry{}, err
	}
	req := outbox.ComposeRequest{
		Namespace:    NamespaceAccounts,
		Purpose:      PurposeEmailVerification,
		To:           []string{user.Email},
		TemplateSlug: tplVerify,
		Locale:       user.Locale,
		Context: map[string]any{
			"user_id":          user.ID,
			"user_first_name":  user.FirstName,
			"site_name":        p.cfg.SiteName,
			"support_email":    p.cfg.SupportEmail,
			"ttl_hours":        int(p.cfg.VerifyEmailTTL.Hours()),
			"verification_url": p.boundaryURL("/messaging/verify", signed),
		},
		DedupKey: decision.DedupKey,
	}
	if !decision.Allowed {
		req.DedupKey = decision.SuppressionDedupKey()
		return p.outbox.EnqueueSuppressed(ctx, req, "rate_limit")
	}
	entry, _, err := p.outbox.ComposeAndEnqueue(ctx, req)
	return entry, err
}

// EnqueuePasswordReset starts a reset flow for the address. Unknown
// addresses return an empty flow id with no error, so callers can answer
// uniformly. A non-empty nextURL rides along on the reset link so the
// confirmation screen can send the user back where they came from.
func (p *Producers) EnqueuePasswordReset(ctx context.Context, email, nextURL string) (string, error) {
	user, err := p.users.GetByEmail(ctx, email)
	if err != nil {
		if err == usersdomain.ErrUserNotFound {
			return "", nil
		}
		return "", err
	}

	flowID := uuid.NewString()
	decision, err := p.limiter.Evaluate(ctx, NamespaceAccounts, PurposePasswordReset, user.ID, user.Email)
	if err != nil {
		return "", err
	}

	signed, err := p.tokens.Mint(NamespaceAccounts, TokenPurposePasswordReset, map[string]any{"user_id": user.ID})
	if err != nil {
		return "", err
	}
	resetURL := p.boundaryURL("/messaging/reset", signed)
	if nextURL != "" {
		resetURL += "&" + url.Values{"next": {nextURL}}.Encode()
	}
	req := outbox.ComposeRequest{
		Namespace:    NamespaceAccounts,
		Purpose:      PurposePasswordReset,
		To:           []string{user.Email},
		TemplateSlug: tplReset,
		Locale:       user.Locale,
		Context: map[string]any{
			"user_id":         user.ID,
			"user_first_name": user.FirstName,
			"site_name":       p.cfg.SiteName,
			"support_email":   p.cfg.SupportEmail,
			"ttl_minutes":     int(p.cfg.ResetTTL.Minutes()),
			"reset_url":       resetURL,
		},
		DedupKey: decision.DedupKey,
		FlowID:   flowID,
	}
	if !decision.Allowed {
		req.DedupKey = decision.SuppressionDedupKey()
		if _, err := p.outbox.EnqueueSuppressed(ctx, req, "rate_limit"); err != nil {
			return "", err
		}
		return flowID, nil
	}
	entry, _, err := p.outbox.ComposeAndEnqueue(ctx, req)
	if err != nil {
		return "", err
	}
	// A deduplicated enqueue keeps the first flow id; report that one so
	// the status endpoint tracks the entry that actually exists.
	if entry.FlowID != "" {
		flowID = entry.FlowID
	}
	return flowID, nil
}

// EnqueueOrderActivation provisions the buyer's account when needed and
// sends the activation email carrying a set-password token.
func (p *Producers) EnqueueOrderActivation(ctx context.Context, orderRef, email, firstName, lastName, locale string) (outboxdomain.Entry, error) {
	user, created, err := p.users.ProvisionForOrder(ctx, email, firstName, lastName, locale)
	if err != nil {
		return outboxdomain.Entry{}, err
	}
	if created {
		p.log.Info().Int64("user_id", user.ID).Str("order", orderRef).Msg("account provisioned for order")
	}

	signed, err := p.tokens.Mint(NamespaceAccounts, TokenPurposeActivation, map[string]any{"user_id": user.ID})
	if err != nil {
		return outboxdomain.Entry{}, err
	}
	entry, _, err := p.outbox.ComposeAndEnqueue(ctx, outbox.ComposeRequest{
		Namespace:    NamespaceAccounts,
		Purpose:      PurposeOrderActivation,
		To:           []string{user.Email},
		TemplateSlug: tplActivation,
		Locale:       user.Locale,
		Context: map[string]any{
			"user_id":         user.ID,
			"user_first_name": user.FirstName,
			"order_reference": orderRef,
			"site_name":       p.cfg.SiteName,
			"activation_url":  p.boundaryURL("/messaging/activate", signed),
		},
		DedupKey: fmt.Sprintf("order:%s:activation", orderRef),
	})
	return entry, err
}

// EnqueueInvoiceReady notifies the customer that an invoice document is
// available. The artifact signature keys deduplication: regenerating the
// same document never re-sends, a changed document does.
func (p *Producers) EnqueueInvoiceReady(ctx context.Context, userID int64, invoiceRef, artifactSignature string, attachment *outboxdomain.Attachment) (outboxdomain.Entry, error) {
	user, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return outboxdomain.Entry{}, err
	}

	signed, err := p.tokens.Mint(NamespaceBilling, TokenPurposeInvoice, map[string]any{
		"user_id": user.ID,
		"invoice": invoiceRef,
	})
	if err != nil {
		return outboxdomain.Entry{}, err
	}
	req := outbox.ComposeRequest{
		Namespace:    NamespaceBilling,
		Purpose:      PurposeInvoiceReady,
		To:           []string{user.Email},
		TemplateSlug: tplInvoice,
		Locale:       user.Locale,
		Context: map[string]any{
			"user_id":           user.ID,
			"user_first_name":   user.FirstName,
			"invoice_reference": invoiceRef,
			"site_name":         p.cfg.SiteName,
			"download_url":      p.boundaryURL("/messaging/invoice", signed),
		},
		DedupKey: fmt.Sprintf("invoice:%s:%s", invoiceRef, artifactSignature),
	}
	if attachment != nil {
		req.Attachments = []outboxdomain.Attachment{*attachment}
	}
	entry, _, err := p.outbox.ComposeAndEnqueue(ctx, req)
	return entry, err
}

// EnqueueCampaignBatch fans out one batch of a running campaign. A
// non-positive limit defers to the campaign's own batch size.
func (p *Producers) EnqueueCampaignBatch(ctx context.Context, slug string, limit int) (int, error) {
	n, err := p.campaigns.EnqueueBatch(ctx, slug, limit)
	if err != nil {
		return 0, err
	}
	p.log.Info().Str("campaign", slug).Int("enqueued", n).Msg("campaign batch enqueued")
	return n, nil
}

// ResetFlowStatus reports the delivery state of a password reset flow.
func (p *Producers) ResetFlowStatus(ctx context.Context, flowID string) (outbox.FlowReport, error) {
	return p.outbox.FlowStatus(ctx, flowID)
}

// VerifyEmailToken consumes a verification token and flips the account flag.
func (p *Producers) VerifyEmailToken(ctx context.Context, raw string) (int64, error) {
	payload, err := p.tokens.Verify(raw, NamespaceAccounts, TokenPurposeVerifyEmail, p.cfg.VerifyEmailTTL)
	if err != nil {
		return 0, err
	}
	userID, ok := token.Int64Claim(payload.Claims, "user_id")
	if !ok {
		return 0, token.ErrTokenInvalid
	}
	if err := p.users.MarkEmailVerified(ctx, userID); err != nil {
		return 0, err
	}
	return userID, nil
}

// ConsumeUnsubscribeToken opts the account out of marketing email.
func (p *Producers) ConsumeUnsubscribeToken(ctx context.Context, raw string) (int64, error) {
	payload, err := p.tokens.Verify(raw, NamespaceAccounts, TokenPurposeUnsubscribe, p.cfg.UnsubscribeTTL)
	if err != nil {
		return 0, err
	}
	userID, ok := token.Int64Claim(payload.Claims, "user_id")
	if !ok {
		return 0, token.ErrTokenInvalid
	}
	if err := p.users.OptOutMarketing(ctx, userID); err != nil {
		return 0, err
	}
	return userID, nil
}

// ConfirmPasswordReset consumes a reset token and sets the new password.
func (p *Producers) ConfirmPasswordReset(ctx context.Context, raw, newPassword string) (int64, error) {
	payload, err := p.tokens.Verify(raw, NamespaceAccounts, TokenPurposePasswordReset, p.cfg.ResetTTL)
	if err != nil {
		return 0, err
	}
	userID, ok := token.Int64Claim(payload.Claims, "user_id")
	if !ok {
		return 0, token.ErrTokenInvalid
	}
	if err := p.users.SetPassword(ctx, userID, newPassword); err != nil {
		return 0, err
	}
	return userID, nil
}

// UnsubscribeToken mints the opt-out token embedded in marketing footers.
func (p *Producers) UnsubscribeToken(userID int64) (string, error) {
	return p.tokens.Mint(NamespaceAccounts, TokenPurposeUnsubscribe, map[string]any{"user_id": userID})
}

func (p *Producers) boundaryURL(path, signedToken string) string {
	return fmt.Sprintf("%s%s?t=%s", p.cfg.SecureBaseURL, path, url.QueryEscape(signedToken))
}
