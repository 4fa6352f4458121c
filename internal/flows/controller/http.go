package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	outboxdomain "github.com/elazharjebbari/alfenna-sub002/internal/outbox/domain"
	outbox "github.com/elazharjebbari/alfenna-sub002/internal/outbox/service"
	"github.com/elazharjebbari/alfenna-sub002/internal/platform/validation"
	"github.com/elazharjebbari/alfenna-sub002/internal/token"
)

// Flows is the producer surface the HTTP boundary drives.
type Flows interface {
	EnqueuePasswordReset(ctx context.Context, email, nextURL string) (string, error)
	ResetFlowStatus(ctx context.Context, flowID string) (outbox.FlowReport, error)
	VerifyEmailToken(ctx context.Context, raw string) (int64, error)
	ConsumeUnsubscribeToken(ctx context.Context, raw string) (int64, error)
	ConfirmPasswordReset(ctx context.Context, raw, newPassword string) (int64, error)
}

// Resender is the operator action exposed on terminal outbox entries.
type Resender interface {
	Resend(ctx context.Context, id int64) (outboxdomain.Entry, error)
}

// Pinger reports backing-store health.
type Pinger func(ctx context.Context) error

// MaxAttempts resolves the retry ceiling for a purpose, so status payloads
// can report attempt_count against it.
type MaxAttempts func(purpose string) int

// VerifyScreens are the fixed browser destinations the verify endpoint
// redirects to. The outcome never varies the target beyond success or
// error, so the endpoint cannot be used as an open redirector.
type VerifyScreens struct {
	Success string
	Error   string
}

// Controller wires the messaging boundary endpoints into echo.
type Controller struct {
	flows       Flows
	resender    Resender
	ping        Pinger
	maxAttempts MaxAttempts
	screens     VerifyScreens
	log         zerolog.Logger
}

func New(flows Flows, resender Resender, ping Pinger, maxAttempts MaxAttempts, screens VerifyScreens, log zerolog.Logger) *Controller {
	return &Controller{
		flows:       flows,
		resender:    resender,
		ping:        ping,
		maxAttempts: maxAttempts,
		screens:     screens,
		log:         log.With().Str("component", "http").Logger(),
	}
}

// Register mounts the public boundary. The throttle middleware guards the
// reset request endpoint against address scanning.
func (c *Controller) Register(g *echo.Group, resetThrottle echo.MiddlewareFunc) {
	g.GET("/healthz", c.healthz)
	g.GET("/verify", c.verifyEmail)
	g.GET("/unsubscribe", c.unsubscribe)
	if resetThrottle != nil {
		g.POST("/reset/request", c.requestReset, resetThrottle)
	} else {
		g.POST("/reset/request", c.requestReset)
	}
	g.POST("/reset/confirm", c.confirmReset)
	g.GET("/password-reset/status/:flow_id", c.resetStatus)
}

// RegisterAdmin mounts operator-only actions; the caller supplies auth
// middleware.
func (c *Controller) RegisterAdmin(g *echo.Group) {
	g.POST("/outbox/:id/resend", c.resendEntry)
}

func (c *Controller) healthz(ec echo.Context) error {
	if c.ping != nil {
		if err := c.ping(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "error": err.Error()})
		}
	}
	return ec.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// verifyEmail consumes the emailed token. Browsers get a redirect to a
// fixed success or error screen; API callers opt into JSON answers with
// redirect=0.
func (c *Controller) verifyEmail(ec echo.Context) error {
	redirectMode := ec.QueryParam("redirect") != "0"
	raw := ec.QueryParam("t")
	if raw == "" {
		if redirectMode {
			return ec.Redirect(http.StatusFound, c.screens.Error)
		}
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "missing token"})
	}
	userID, err := c.flows.VerifyEmailToken(ec.Request().Context(), raw)
	if err != nil {
		if redirectMode {
			return ec.Redirect(http.StatusFound, c.screens.Error)
		}
		return tokenError(ec, err)
	}
	c.log.Info().Int64("user_id", userID).Msg("email verified")

	if redirectMode {
		return ec.Redirect(http.StatusFound, c.screens.Success)
	}
	return ec.JSON(http.StatusOK, echo.Map{"verified": true})
}

func (c *Controller) unsubscribe(ec echo.Context) error {
	raw := ec.QueryParam("t")
	if raw == "" {
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "missing token"})
	}
	userID, err := c.flows.ConsumeUnsubscribeToken(ec.Request().Context(), raw)
	if err != nil {
		return tokenError(ec, err)
	}
	c.log.Info().Int64("user_id", userID).Msg("marketing opt-out")
	return ec.JSON(http.StatusOK, echo.Map{"unsubscribed": true})
}

type resetRequestBody struct {
	Email   string `json:"email" validate:"required,email"`
	NextURL string `json:"next_url" validate:"omitempty,relativeurl,max=2048"`
}

// requestReset always answers 202 so the endpoint cannot be used to test
// whether an address is registered.
func (c *Controller) requestReset(ec echo.Context) error {
	var body resetRequestBody
	if err := ec.Bind(&body); err != nil {
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := ec.Validate(&body); err != nil {
		return ec.JSON(http.StatusBadRequest, validation.ErrorResponse(err))
	}

	flowID, err := c.flows.EnqueuePasswordReset(ec.Request().Context(), body.Email, body.NextURL)
	if err != nil {
		c.log.Error().Err(err).Msg("password reset enqueue failed")
		// Still 202: the caller learns nothing from backend failures.
	}
	resp := echo.Map{"accepted": true}
	if flowID != "" {
		resp["flow_id"] = flowID
	}
	return ec.JSON(http.StatusAccepted, resp)
}

type resetConfirmBody struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

func (c *Controller) confirmReset(ec echo.Context) error {
	var body resetConfirmBody
	if err := ec.Bind(&body); err != nil {
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := ec.Validate(&body); err != nil {
		return ec.JSON(http.StatusBadRequest, validation.ErrorResponse(err))
	}

	userID, err := c.flows.ConfirmPasswordReset(ec.Request().Context(), body.Token, body.NewPassword)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) || errors.Is(err, token.ErrTokenInvalid) {
			return tokenError(ec, err)
		}
		c.log.Error().Err(err).Msg("password reset confirm failed")
		return ec.JSON(http.StatusInternalServerError, echo.Map{"error": "could not update password"})
	}
	c.log.Info().Int64("user_id", userID).Msg("password reset completed")
	return ec.JSON(http.StatusOK, echo.Map{"updated": true})
}

func (c *Controller) resetStatus(ec echo.Context) error {
	flowID := ec.Param("flow_id")
	report, err := c.flows.ResetFlowStatus(ec.Request().Context(), flowID)
	if err != nil {
		c.log.Error().Err(err).Msg("reset status lookup failed")
		return ec.JSON(http.StatusInternalServerError, echo.Map{"error": "status unavailable"})
	}
	resp := echo.Map{
		"flow_id":       flowID,
		"state":         string(report.State),
		"attempt_count": report.Attempts,
	}
	if c.maxAttempts != nil {
		resp["max_attempts"] = c.maxAttempts(report.Purpose)
	}
	if report.NextAttemptAt != nil {
		resp["next_attempt_eta"] = report.NextAttemptAt
	}
	if report.IssueCode != "" {
		resp["issue_code"] = report.IssueCode
	}
	return ec.JSON(http.StatusOK, resp)
}

func (c *Controller) resendEntry(ec echo.Context) error {
	id, err := strconv.ParseInt(ec.Param("id"), 10, 64)
	if err != nil {
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "invalid entry id"})
	}
	entry, err := c.resender.Resend(ec.Request().Context(), id)
	if err != nil {
		if errors.Is(err, outboxdomain.ErrNotFound) {
			return ec.JSON(http.StatusNotFound, echo.Map{"error": "entry not found"})
		}
		return ec.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	return ec.JSON(http.StatusCreated, echo.Map{
		"entry_id":  entry.ID,
		"dedup_key": entry.DedupKey,
		"status":    string(entry.Status),
	})
}

func tokenError(ec echo.Context, err error) error {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return ec.JSON(http.StatusGone, echo.Map{"error": "token expired"})
	case errors.Is(err, token.ErrTokenInvalid):
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "token invalid"})
	default:
		return ec.JSON(http.StatusBadRequest, echo.Map{"error": "token rejected"})
	}
}
