package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// DevUserHeader selects the caller identity when running with AUTH_MODE=development.
const DevUserHeader = "X-Dev-User"

// Claims are the bearer token claims. The subject is the caller identity
// that ownership checks compare against provider ids.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether the principal carries role. "admin" implies every role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	if len(cfg.SigningKey) == 0 {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if discovered, err := DiscoverJWKSURL(cfg.Issuer); err == nil {
				jwksURL = discovered
			}
		}
		keyFunc = jwksKeyFunc(jwksURL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(
				WithPrincipal(c.Request().Context(), Principal{ID: claims.Subject, Roles: claims.Roles}),
			))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Dev-User header as the caller identity.
// Without the header the caller is "dev-user" with the admin role.
func DevAuthMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := Principal{ID: "dev-user", Roles: []string{"admin"}}
			if user := strings.TrimSpace(c.Request().Header.Get(DevUserHeader)); user != "" {
				p.ID = user
				p.Roles = nil
				if roles := c.Request().Header.Get("X-Dev-Roles"); roles != "" {
					p.Roles = strings.Split(roles, ",")
				}
			}
			c.Set("jwt_tenant_id", defaultTenant)
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, p.ID)
	return context.WithValue(ctx, UserRolesKey, p.Roles)
}

// PrincipalFromContext returns the authenticated caller. ok is false for
// anonymous requests.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return Principal{}, false
	}
	return Principal{ID: id, Roles: RolesFromContext(ctx)}, true
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
