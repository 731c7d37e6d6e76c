package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders apply to every JSON response. Audit and delegation payloads can
// reference patients, so nothing is cacheable or embeddable.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets hardening headers before the handler runs, so error
// responses carry them too. Strict-Transport-Security is only sent when the
// server terminates TLS itself.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if tls {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
