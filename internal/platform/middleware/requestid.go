package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = echo.HeaderXRequestID

// maxRequestIDLen caps caller-supplied ids before they reach logs and audit rows.
const maxRequestIDLen = 128

// RequestID propagates X-Request-ID, generating one when absent. The id is
// stored under "request_id" and echoed on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

func requestIDOf(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
