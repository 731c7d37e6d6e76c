package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthops/healthops/internal/platform/hipaa"
)

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	OrgID     string   `json:"org_id"`
	SessionID string   `json:"sid"`
	Territory string   `json:"territory,omitempty"`
	Roles     []string `json:"roles"`
}

// Identity converts validated claims into an Identity. Subject and org_id
// must both be UUIDs.
func (c *Claims) Identity() (*Identity, error) {
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject is not a user id: %w", err)
	}
	orgID, err := uuid.Parse(c.OrgID)
	if err != nil {
		return nil, fmt.Errorf("org_id claim is not an organization id: %w", err)
	}
	return &Identity{
		UserID:         userID,
		OrganizationID: orgID,
		SessionID:      c.SessionID,
		Territory:      c.Territory,
		Roles:          c.Roles,
	}, nil
}

// Recorder receives authentication failure events.
type Recorder interface {
	Record(ctx context.Context, e *hipaa.Entry)
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    func(echo.Context) bool
	Recorder   Recorder
}

// JWTMiddleware validates bearer tokens and stores the caller Identity in
// the request context. Tokens must carry exp, a UUID subject and an org_id.
// The key source is built once per middleware: an HMAC key when SigningKey
// is set, otherwise a JWKS cache from JWKSURL or issuer discovery.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var (
		keyFunc jwt.Keyfunc
		methods []string
	)
	if len(cfg.SigningKey) > 0 {
		// Dev mode: HMAC signing key
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		methods = []string{"HS256"}
	} else {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if provider, err := DiscoverOIDC(context.Background(), cfg.Issuer); err == nil {
				jwksURL = provider.JWKSURI
			}
		}
		keyFunc = NewJWKSCache(jwksURL, DefaultJWKSCacheTTL).Keyfunc
		methods = []string{"RS256"}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return reject(c, cfg.Recorder, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return reject(c, cfg.Recorder, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(parts[1], claims, keyFunc)
			if err != nil || !token.Valid {
				return reject(c, cfg.Recorder, "invalid token")
			}

			id, err := claims.Identity()
			if err != nil {
				return reject(c, cfg.Recorder, "token does not identify a user and organization")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// reject records an authentication failure and returns 401.
func reject(c echo.Context, rec Recorder, reason string) error {
	if rec != nil {
		req := c.Request()
		e := &hipaa.Entry{
			EventType: hipaa.EventAuthentication,
			Severity:  hipaa.SeverityMedium,
			Action:    "authenticate",
			Success:   false,
			IPAddress: c.RealIP(),
			UserAgent: req.UserAgent(),
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
			Endpoint:  req.URL.Path,
			Method:    req.Method,
		}
		rec.Record(req.Context(), e.WithMeta("reason", reason))
	}
	return echo.NewHTTPError(http.StatusUnauthorized, reason)
}

// Development identities used when no dev headers are sent.
var (
	DevUserID = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	DevOrgID  = uuid.MustParse("00000000-0000-4000-8000-0000000000a1")
)

const (
	DevUserHeader = "X-Dev-User-ID"
	DevOrgHeader  = "X-Dev-Org-ID"
)

// DevAuthMiddleware is a permissive middleware for development. The caller
// is taken from the X-Dev-User-ID and X-Dev-Org-ID headers, defaulting to
// DevUserID and DevOrgID. Permissions still come from role assignments.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := &Identity{UserID: DevUserID, OrganizationID: DevOrgID, SessionID: "dev-session"}
			if v := c.Request().Header.Get(DevUserHeader); v != "" {
				uid, err := uuid.Parse(v)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, DevUserHeader+" must be a UUID")
				}
				id.UserID = uid
			}
			if v := c.Request().Header.Get(DevOrgHeader); v != "" {
				oid, err := uuid.Parse(v)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, DevOrgHeader+" must be a UUID")
				}
				id.OrganizationID = oid
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
