package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/internal/platform/db"
)

// AuditEntry records who touched which authorization record, when, from
// where, and with what outcome.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Action     string
	ResourceID string
	IPAddress  string
	UserAgent  string
	Route      string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after it completes. Recorders, if any,
// receive the same entry; their failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				TenantID:   db.TenantFromContext(ctx),
				Action:     auditAction(req.Method, c.Path()),
				ResourceID: auditResourceID(c),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Route:      c.Path(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tenant_id", entry.TenantID).
				Str("action", entry.Action).
				Str("resource_id", entry.ResourceID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("authorization_access")

			return err
		}
	}
}

// auditAction names the operation from the route pattern. Reads are "read",
// a POST to a collection root is "submit", and anything else takes the last
// literal route segment, e.g. POST /prior-auth/:id/review is "review".
func auditAction(method, route string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "read"
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	literal := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" && !strings.HasPrefix(s, ":") {
			literal = append(literal, s)
		}
	}
	if len(literal) == 0 {
		return strings.ToLower(method)
	}
	last := literal[len(literal)-1]
	switch {
	case last == "prior-auth" && strings.HasSuffix(route, "prior-auth"):
		return "submit"
	case method == http.MethodPut && last == "peer-to-peer":
		return "schedule_peer_to_peer"
	case last == "peer-to-peer":
		return "request_peer_to_peer"
	case last == "documents":
		return "attach_document"
	case last == "appeals":
		return "appeal"
	case last == "usage":
		return "track_usage"
	case last == "extension":
		return "extend"
	}
	return strings.ReplaceAll(last, "-", "_")
}

func auditResourceID(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Param("appealId")
}
