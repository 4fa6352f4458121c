package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elazharjebbari/alfenna-sub002/internal/logger"
	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outbox "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/platform/validation"
	"github.com/elazharjebbari/alfenna-sub002/internal/token"
)

type fakeFlows struct {
	knownEmail string
	flowStates map[string]outbox.FlowReport
	verifyErr  error
	verified   []int64
	optedOut   []int64
	resets     int
	nextURLs   []string
}

func (f *fakeFlows) EnqueuePasswordReset(_ context.Context, email, nextURL string) (string, error) {
	f.resets++
	f.nextURLs = append(f.nextURLs, nextURL)
	if email == f.knownEmail {
		return "flow-abc", nil
	}
	return "", nil
}

func (f *fakeFlows) ResetFlowStatus(_ context.Context, flowID string) (outbox.FlowReport, error) {
	if report, ok := f.flowStates[flowID]; ok {
		return report, nil
	}
	return outbox.FlowReport{State: outbox.FlowNoop}, nil
}

func (f *fakeFlows) VerifyEmailToken(_ context.Context, raw string) (int64, error) {
	if f.verifyErr != nil {
		return 0, f.verifyErr
	}
	f.verified = append(f.verified, 7)
	return 7, nil
}

func (f *fakeFlows) ConsumeUnsubscribeToken(_ context.Context, raw string) (int64, error) {
	if raw != "good" {
		return 0, token.ErrTokenInvalid
	}
	f.optedOut = append(f.optedOut, 7)
	return 7, nil
}

func (f *fakeFlows) ConfirmPasswordReset(_ context.Context, raw, newPassword string) (int64, error) {
	if raw == "expired" {
		return 0, token.ErrTokenExpired
	}
	if raw != "good" {
		return 0, token.ErrTokenInvalid
	}
	return 7, nil
}

type fakeResender struct {
	entries map[int64]outboxdomain.Entry
}

func (f *fakeResender) Resend(_ context.Context, id int64) (outboxdomain.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return outboxdomain.Entry{}, outboxdomain.ErrNotFound
	}
	if e.Active() {
		return outboxdomain.Entry{}, fmt.Errorf("outbox: entry %d is still active", id)
	}
	clone := e
	clone.ID = id + 100
	clone.Status = outboxdomain.StatusQueued
	return clone, nil
}

func newTestServer(flows *fakeFlows, resender *fakeResender) *echo.Echo {
	e := echo.New()
	e.Validator = validation.New()
	screens := VerifyScreens{Success: "/pages/verification-success", Error: "/pages/verification-error"}
	c := New(flows, resender, nil, func(string) int { return 5 }, screens, logger.Nop())
	c.Register(e.Group("/messaging"), nil)
	c.RegisterAdmin(e.Group("/messaging/admin"))
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequestResetAlwaysAccepted(t *testing.T) {
	flows := &fakeFlows{knownEmail: "alice@example.com"}
	e := newTestServer(flows, &fakeResender{})

	rec := do(e, http.MethodPost, "/messaging/reset/request", `{"email":"alice@example.com"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "flow-abc", resp["flow_id"])

	rec = do(e, http.MethodPost, "/messaging/reset/request", `{"email":"stranger@example.com"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, "unknown addresses get the same answer")
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "flow_id")
}

func TestRequestResetForwardsNextURL(t *testing.T) {
	flows := &fakeFlows{knownEmail: "alice@example.com"}
	e := newTestServer(flows, &fakeResender{})

	rec := do(e, http.MethodPost, "/messaging/reset/request", `{"email":"alice@example.com","next_url":"/checkout"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"/checkout"}, flows.nextURLs)

	rec = do(e, http.MethodPost, "/messaging/reset/request", `{"email":"alice@example.com","next_url":"https://evil.example"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "off-site return paths are refused")
}

func TestRequestResetValidatesEmail(t *testing.T) {
	e := newTestServer(&fakeFlows{}, &fakeResender{})
	rec := do(e, http.MethodPost, "/messaging/reset/request", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetStatus(t *testing.T) {
	eta := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	flows := &fakeFlows{flowStates: map[string]outbox.FlowReport{
		"flow-abc": {
			State:         outbox.FlowRetrying,
			Purpose:       "password_reset",
			Attempts:      2,
			NextAttemptAt: &eta,
			IssueCode:     "smtp_error",
		},
	}}
	e := newTestServer(flows, &fakeResender{})

	rec := do(e, http.MethodGet, "/messaging/password-reset/status/flow-abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "flow-abc", resp["flow_id"])
	assert.Equal(t, "retrying", resp["state"])
	assert.Equal(t, float64(2), resp["attempt_count"])
	assert.Equal(t, float64(5), resp["max_attempts"])
	assert.Equal(t, "smtp_error", resp["issue_code"])
	assert.Contains(t, resp, "next_attempt_eta")

	rec = do(e, http.MethodGet, "/messaging/password-reset/status/unknown", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "noop", resp["state"], "unknown flows never 404")
	assert.NotContains(t, resp, "issue_code")
}

func TestVerifyEmail(t *testing.T) {
	t.Run("browser default redirects to success screen", func(t *testing.T) {
		flows := &fakeFlows{}
		e := newTestServer(flows, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify?t=good", "")
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/pages/verification-success", rec.Header().Get(echo.HeaderLocation))
		assert.Equal(t, []int64{7}, flows.verified)
	})

	t.Run("bad token redirects to error screen", func(t *testing.T) {
		e := newTestServer(&fakeFlows{verifyErr: token.ErrTokenExpired}, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify?t=old", "")
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/pages/verification-error", rec.Header().Get(echo.HeaderLocation))
	})

	t.Run("missing token redirects to error screen", func(t *testing.T) {
		e := newTestServer(&fakeFlows{}, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify", "")
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/pages/verification-error", rec.Header().Get(echo.HeaderLocation))
	})

	t.Run("redirect=0 answers JSON", func(t *testing.T) {
		flows := &fakeFlows{}
		e := newTestServer(flows, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify?t=good&redirect=0", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"verified":true`)
	})

	t.Run("redirect=0 expired token", func(t *testing.T) {
		e := newTestServer(&fakeFlows{verifyErr: token.ErrTokenExpired}, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify?t=old&redirect=0", "")
		assert.Equal(t, http.StatusGone, rec.Code)
	})

	t.Run("redirect=0 missing token", func(t *testing.T) {
		e := newTestServer(&fakeFlows{}, &fakeResender{})
		rec := do(e, http.MethodGet, "/messaging/verify?redirect=0", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUnsubscribe(t *testing.T) {
	flows := &fakeFlows{}
	e := newTestServer(flows, &fakeResender{})

	rec := do(e, http.MethodGet, "/messaging/unsubscribe?t=good", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, flows.optedOut)

	rec = do(e, http.MethodGet, "/messaging/unsubscribe?t=bad", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmReset(t *testing.T) {
	e := newTestServer(&fakeFlows{}, &fakeResender{})

	rec := do(e, http.MethodPost, "/messaging/reset/confirm", `{"token":"good","new_password":"longenough1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, "/messaging/reset/confirm", `{"token":"expired","new_password":"longenough1"}`)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(e, http.MethodPost, "/messaging/reset/confirm", `{"token":"good","new_password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminResend(t *testing.T) {
	resender := &fakeResender{entries: map[int64]outboxdomain.Entry{
		1: {ID: 1, Status: outboxdomain.StatusSuppressed, DedupKey: "k"},
		2: {ID: 2, Status: outboxdomain.StatusQueued, DedupKey: "k2"},
	}}
	e := newTestServer(&fakeFlows{}, resender)

	rec := do(e, http.MethodPost, "/messaging/admin/outbox/1/resend", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entry_id":101`)

	rec = do(e, http.MethodPost, "/messaging/admin/outbox/2/resend", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "active entries cannot be resent")

	rec = do(e, http.MethodPost, "/messaging/admin/outbox/99/resend", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/messaging/admin/outbox/abc/resend", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	e.Validator = validation.New()

	t.Run("healthy", func(t *testing.T) {
		c := New(&fakeFlows{}, &fakeResender{}, func(context.Context) error { return nil }, nil, VerifyScreens{}, logger.Nop())
		c.Register(e.Group("/ok"), nil)
		rec := do(e, http.MethodGet, "/ok/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("degraded", func(t *testing.T) {
		c := New(&fakeFlows{}, &fakeResender{}, func(context.Context) error { return errors.New("pg down") }, nil, VerifyScreens{}, logger.Nop())
		c.Register(e.Group("/bad"), nil)
		rec := do(e, http.MethodGet, "/bad/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
