package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. Handlers and the
// stores they call observe the deadline; a handler that fails with
// context.DeadlineExceeded is answered with 504.
//
// Audit writes detach from this deadline, so a timed-out request still
// leaves its audit trail.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, map[string]string{
					"error":   "timeout",
					"message": "request processing exceeded the allowed time limit",
				})
			}
			return err
		}
	}
}
