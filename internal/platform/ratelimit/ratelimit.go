package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/elazharjebbari/alfenna-sub002/internal/platform/counter"
)

// Policy defines a simple fixed-window rate limit for an HTTP endpoint.
type Policy struct {
	// Name is a short identifier for the limited endpoint, used for logging (e.g. "reset:request").
	Name   string
	Window time.Duration
	Limit  int
	// Key builds the bucket key for this request.
	// Example: func(c echo.Context) string { return "reset:" + c.RealIP() }
	Key func(echo.Context) string
}

// Middleware enforces the Policy against a shared counter Store. On store
// errors the request is allowed through (fail-open), matching the behavior of
// the transactional limiter's fail-closed-to-allowed rule.
func Middleware(p Policy, s counter.Store) echo.MiddlewareFunc {
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.Limit <= 0 {
		p.Limit = 60
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "global"
			if p.Key != nil {
				key = p.Key(c)
			}
			n, err := s.Increment(c.Request().Context(), "rl:"+p.Name+":"+key, p.Window)
			if err != nil || n <= int64(p.Limit) {
				return next(c)
			}
			retryAfter := int(p.Window / time.Second)
			c.Logger().Warnf("rate limit exceeded: endpoint=%s key=%s limit=%d window=%s", p.Name, key, p.Limit, p.Window)
			c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}
	}
}

// KeyIP buckets requests by client IP under a per-endpoint prefix.
func KeyIP(prefix string) func(echo.Context) string {
	return func(c echo.Context) string { return prefix + ":ip:" + c.RealIP() }
}
