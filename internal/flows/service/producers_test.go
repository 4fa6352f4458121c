package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outbox "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/ratelimit"
	"github.com/elazharjebbari/alfenna-sub002/internal/token"
	usersdomain "github.com/elazharjebbari/alfenna-sub002/internal/users/domain"
)

type fakeEnqueuer struct {
	composed   []outbox.ComposeRequest
	suppressed []outbox.ComposeRequest
	nextID     int64
}

func (f *fakeEnqueuer) ComposeAndEnqueue(_ context.Context, req outbox.ComposeRequest) (outboxdomain.Entry, bool, error) {
	f.nextID++
	f.composed = append(f.composed, req)
	return outboxdomain.Entry{ID: f.nextID, DedupKey: req.DedupKey, FlowID: req.FlowID}, true, nil
}

func (f *fakeEnqueuer) EnqueueSuppressed(_ context.Context, req outbox.ComposeRequest, reason string) (outboxdomain.Entry, error) {
	f.nextID++
	f.suppressed = append(f.suppressed, req)
	return outboxdomain.Entry{ID: f.nextID, DedupKey: req.DedupKey, Status: outboxdomain.StatusSuppressed}, nil
}

func (f *fakeEnqueuer) FlowStatus(context.Context, string) (outbox.FlowReport, error) {
	return outbox.FlowReport{State: outbox.FlowQueued}, nil
}

type fakeUsers struct {
	byID      map[int64]usersdomain.User
	verified  []int64
	optedOut  []int64
	passwords map[int64]string
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (usersdomain.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return usersdomain.User{}, usersdomain.ErrUserNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (usersdomain.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return usersdomain.User{}, usersdomain.ErrUserNotFound
}

func (f *fakeUsers) ProvisionForOrder(_ context.Context, email, firstName, lastName, locale string) (usersdomain.User, bool, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, false, nil
		}
	}
	u := usersdomain.User{ID: int64(len(f.byID) + 1), Email: email, FirstName: firstName, Locale: locale}
	f.byID[u.ID] = u
	return u, true, nil
}

func (f *fakeUsers) MarkEmailVerified(_ context.Context, id int64) error {
	f.verified = append(f.verified, id)
	return nil
}

func (f *fakeUsers) OptOutMarketing(_ context.Context, id int64) error {
	f.optedOut = append(f.optedOut, id)
	return nil
}

func (f *fakeUsers) SetPassword(_ context.Context, id int64, password string) error {
	if f.passwords == nil {
		f.passwords = map[int64]string{}
	}
	f.passwords[id] = password
	return nil
}

type fixedLimiter struct {
	allowed bool
}

func (f fixedLimiter) Evaluate(_ context.Context, _, purpose string, userID int64, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{
		Allowed:  f.allowed,
		DedupKey: "user:42:" + purpose + ":1000:1",
	}, nil
}

func testProducers(t *testing.T, allowed bool) (*Producers, *fakeEnqueuer, *fakeUsers) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	tokens, err := token.New([]string{"test-signing-secret"}, clk)
	require.NoError(t, err)

	users := &fakeUsers{byID: map[int64]usersdomain.User{
		42: {ID: 42, Email: "alice@example.com", FirstName: "Alice", Locale: "fr"},
	}}
	enq := &fakeEnqueuer{}
	cfg := config.Config{
		SecureBaseURL:  "https://app.example.com",
		SiteName:       "Lumiere",
		SupportEmail:   "support@example.com",
		VerifyEmailTTL: 24 * time.Hour,
		ResetTTL:       time.Hour,
		UnsubscribeTTL: 30 * 24 * time.Hour,
	}
	return NewProducers(enq, users, fixedLimiter{allowed: allowed}, tokens, fakeCampaigns{}, cfg, logger.Nop()), enq, users
}

type fakeCampaigns struct{}

func (fakeCampaigns) EnqueueBatch(_ context.Context, slug string, limit int) (int, error) {
	if limit < 1 {
		limit = 2
	}
	return limit, nil
}

func TestEnqueueCampaignBatch(t *testing.T) {
	p, _, _ := testProducers(t, true)

	n, err := p.EnqueueCampaignBatch(context.Background(), "spring-sale", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "zero defers to the campaign's batch size")

	n, err = p.EnqueueCampaignBatch(context.Background(), "spring-sale", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestEnqueueEmailVerification(t *testing.T) {
	p, enq, _ := testProducers(t, true)

	entry, err := p.EnqueueEmailVerification(context.Background(), 42)
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)

	require.Len(t, enq.composed, 1)
	req := enq.composed[0]
	assert.Equal(t, NamespaceAccounts, req.Namespace)
	assert.Equal(t, PurposeEmailVerification, req.Purpose)
	assert.Equal(t, []string{"alice@example.com"}, req.To)
	assert.Equal(t, "accounts/verify", req.TemplateSlug)
	assert.Equal(t, "fr", req.Locale)
	assert.Contains(t, req.Context["verification_url"], "https://app.example.com/messaging/verify?t=")
	assert.Equal(t, 24, req.Context["ttl_hours"])
	assert.Equal(t, "user:42:email_verification:1000:1", req.DedupKey)
}

func TestVerificationEmailCarriesAccountsScopedToken(t *testing.T) {
	p, enq, _ := testProducers(t, true)

	_, err := p.EnqueueEmailVerification(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, enq.composed, 1)

	raw, ok := enq.composed[0].Context["verification_url"].(string)
	require.True(t, ok)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	signed := u.Query().Get("t")
	require.NotEmpty(t, signed)

	payload, err := p.tokens.Verify(signed, "accounts", "verify-email", 24*time.Hour)
	require.NoError(t, err, "the embedded token is scoped (accounts, verify-email)")
	uid, ok := token.Int64Claim(payload.Claims, "user_id")
	require.True(t, ok)
	assert.Equal(t, int64(42), uid)
}

func TestEnqueueEmailVerificationRateLimited(t *testing.T) {
	p, enq, _ := testProducers(t, false)

	entry, err := p.EnqueueEmailVerification(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusSuppressed, entry.Status)
	assert.Empty(t, enq.composed, "refused sends never reach composition")
	require.Len(t, enq.suppressed, 1)
	assert.Equal(t, "user:42:email_verification:1000:1:suppressed", enq.suppressed[0].DedupKey)
}

func TestEnqueuePasswordReset(t *testing.T) {
	p, enq, _ := testProducers(t, true)

	flowID, err := p.EnqueuePasswordReset(context.Background(), "alice@example.com", "")
	require.NoError(t, err)
	assert.NotEmpty(t, flowID)
	require.Len(t, enq.composed, 1)
	assert.Equal(t, flowID, enq.composed[0].FlowID)
	assert.Contains(t, enq.composed[0].Context["reset_url"], "/messaging/reset?t=")
	assert.NotContains(t, enq.composed[0].Context["reset_url"], "next=")
}

func TestEnqueuePasswordResetPropagatesNextURL(t *testing.T) {
	p, enq, _ := testProducers(t, true)

	_, err := p.EnqueuePasswordReset(context.Background(), "alice@example.com", "/account/settings?tab=security")
	require.NoError(t, err)
	require.Len(t, enq.composed, 1)

	raw, ok := enq.composed[0].Context["reset_url"].(string)
	require.True(t, ok)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("t"))
	assert.Equal(t, "/account/settings?tab=security", u.Query().Get("next"))
}

func TestEnqueuePasswordResetUnknownAddress(t *testing.T) {
	p, enq, _ := testProducers(t, true)

	flowID, err := p.EnqueuePasswordReset(context.Background(), "stranger@example.com", "")
	require.NoError(t, err, "unknown addresses are silent no-ops")
	assert.Empty(t, flowID)
	assert.Empty(t, enq.composed)
}

func TestVerifyEmailTokenRoundTrip(t *testing.T) {
	p, _, users := testProducers(t, true)
	ctx := context.Background()

	_, err := p.EnqueueEmailVerification(ctx, 42)
	require.NoError(t, err)

	signed, err := p.tokens.Mint(NamespaceAccounts, TokenPurposeVerifyEmail, map[string]any{"user_id": int64(42)})
	require.NoError(t, err)

	userID, err := p.VerifyEmailToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
	assert.Equal(t, []int64{42}, users.verified)

	t.Run("reset token cannot verify email", func(t *testing.T) {
		other, err := p.tokens.Mint(NamespaceAccounts, TokenPurposePasswordReset, map[string]any{"user_id": int64(42)})
		require.NoError(t, err)
		_, err = p.VerifyEmailToken(ctx, other)
		assert.ErrorIs(t, err, token.ErrTokenInvalid)
	})
}

func TestEnqueueOrderActivationProvisions(t *testing.T) {
	p, enq, users := testProducers(t, true)

	entry, err := p.EnqueueOrderActivation(context.Background(), "CMD-77", "new@example.com", "Nadia", "B", "fr")
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	require.Len(t, enq.composed, 1)
	assert.Equal(t, "order:CMD-77:activation", enq.composed[0].DedupKey)
	assert.Equal(t, PurposeOrderActivation, enq.composed[0].Purpose)

	_, err = users.GetByEmail(context.Background(), "new@example.com")
	assert.NoError(t, err, "buyer account exists after activation enqueue")
}

func TestEnqueueInvoiceReadyDedupOnArtifact(t *testing.T) {
	p, enq, _ := testProducers(t, true)
	ctx := context.Background()

	att := &outboxdomain.Attachment{Filename: "invoice.pdf", ContentType: "application/pdf", Content: []byte("%PDF")}
	_, err := p.EnqueueInvoiceReady(ctx, 42, "INV-9", "sig-aaa", att)
	require.NoError(t, err)
	require.Len(t, enq.composed, 1)
	assert.Equal(t, "invoice:INV-9:sig-aaa", enq.composed[0].DedupKey)
	assert.Equal(t, NamespaceBilling, enq.composed[0].Namespace)
	require.Len(t, enq.composed[0].Attachments, 1)

	_, err = p.EnqueueInvoiceReady(ctx, 42, "INV-9", "sig-bbb", nil)
	require.NoError(t, err)
	assert.Equal(t, "invoice:INV-9:sig-bbb", enq.composed[1].DedupKey, "regenerated document gets a fresh key")
}
