package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/agentdeck/internal/auth"
)

// auditLog emits a structured audit log entry for an admin action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if c := auth.CallerFromContext(r.Context()); c != nil {
		attrs = append(attrs, "organization_id", c.OrganizationID)
		if c.CallerID != "" {
			attrs = append(attrs, "caller_id", c.CallerID)
		}
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// orgID returns the organization the request is scoped to.
func orgID(r *http.Request) string {
	if c := auth.CallerFromContext(r.Context()); c != nil {
		return c.OrganizationID
	}
	return auth.DefaultOrganization
}
