package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthops/healthops/internal/platform/auth"
)

// Logger writes one structured line per request. Query strings are omitted
// since they may carry patient identifiers.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let the error handler commit the status before it is logged.
				c.Error(err)
			}

			status := c.Response().Status
			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			if uid := auth.UserIDFromContext(req.Context()); uid != uuid.Nil {
				evt = evt.Str("user_id", uid.String())
			}

			evt.
				Str("request_id", requestIDOf(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
