package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/platform/auth"
	"github.com/ehr/ehr-auth/internal/platform/db"
)

// Logger emits one structured line per request. Query strings are never
// logged since they may carry access_token or id_token.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			default:
				evt = logger.Info()
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if tid := db.TenantFromContext(req.Context()); tid != "" {
				evt = evt.Str("tenant_id", tid)
			}
			if p := auth.CurrentPrincipal(c); p != nil {
				evt = evt.Str("user_id", p.ID).Str("session_id", p.SessionID)
			}

			evt.Msg("request")
			return err
		}
	}
}
