package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazharjebbari/alfenna-sub002/internal/clock"
)

func newService(t *testing.T, clk clock.Clock, secrets ...string) *Service {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"test-secret"}
	}
	svc, err := New(secrets, clk)
	require.NoError(t, err)
	return svc
}

func TestMintVerifyRoundTrip(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, clk)

	tok, err := svc.Mint("accounts", "verify-email", map[string]any{"user_id": 42})
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	payload, err := svc.Verify(tok, "accounts", "verify-email", 24*time.Hour)
	require.NoError(t, err)

	uid, ok := Int64Claim(payload.Claims, "user_id")
	require.True(t, ok)
	assert.Equal(t, int64(42), uid)
	assert.True(t, payload.IssuedAt.Equal(clk.Now()), "issued at %v, want %v", payload.IssuedAt, clk.Now())
}

func TestVerifyScopeMismatch(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, clk)

	tok, err := svc.Mint("accounts", "password-reset", map[string]any{"user_id": 7})
	require.NoError(t, err)

	cases := []struct {
		name      string
		namespace string
		purpose   string
	}{
		{"wrong purpose", "accounts", "verify-email"},
		{"wrong namespace", "billing", "password-reset"},
		{"both wrong", "billing", "invoice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Verify(tok, tc.namespace, tc.purpose, time.Hour)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}

	// Same scope still verifies.
	_, err = svc.Verify(tok, "accounts", "password-reset", time.Hour)
	assert.NoError(t, err)
}

func TestVerifyExpiry(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, clk)

	tok, err := svc.Mint("accounts", "verify-email", map[string]any{"user_id": 1})
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	_, err = svc.Verify(tok, "accounts", "verify-email", time.Hour)
	require.NoError(t, err, "token inside TTL must verify")

	clk.Advance(31 * time.Minute)
	_, err = svc.Verify(tok, "accounts", "verify-email", time.Hour)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyTampered(t *testing.T) {
	svc := newService(t, clock.System{})

	tok, err := svc.Mint("accounts", "verify-email", map[string]any{"user_id": 3})
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	_, err = svc.Verify(tampered, "accounts", "verify-email", time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.Verify("not-a-token", "accounts", "verify-email", time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestKeyRotation(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	oldSvc := newService(t, clk, "old-key")
	tok, err := oldSvc.Mint("accounts", "unsubscribe", map[string]any{"user_id": 9})
	require.NoError(t, err)

	// Rotated service: new key mints, old key still verifies in-flight tokens.
	rotated := newService(t, clk, "new-key", "old-key")
	payload, err := rotated.Verify(tok, "accounts", "unsubscribe", time.Hour)
	require.NoError(t, err)
	uid, _ := Int64Claim(payload.Claims, "user_id")
	assert.Equal(t, int64(9), uid)

	// A service without the old key rejects it.
	fresh := newService(t, clk, "new-key")
	_, err = fresh.Verify(tok, "accounts", "unsubscribe", time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Tokens minted after rotation use the first key.
	newTok, err := rotated.Mint("accounts", "unsubscribe", map[string]any{"user_id": 9})
	require.NoError(t, err)
	_, err = fresh.Verify(newTok, "accounts", "unsubscribe", time.Hour)
	assert.NoError(t, err)
}
