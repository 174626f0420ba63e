package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const callerContextKey contextKey = iota

// ContextWithCaller returns a new context carrying the given caller.
func ContextWithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// CallerFromContext extracts the caller from the context, or nil if not
// present.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey).(*Caller)
	return c
}

// AdminAuthMiddleware requires the admin key as a bearer token. When no admin
// key is configured every request is rejected.
func AdminAuthMiddleware(keys *KeyMatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !keys.Match(token) {
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerMiddleware reads the caller context headers into the request context.
// With requireCaller set, a request without a caller id is rejected.
func CallerMiddleware(requireCaller bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := &Caller{
				OrganizationID: headerOr(r, HeaderOrganization, DefaultOrganization),
				CallerID:       strings.TrimSpace(r.Header.Get(HeaderCaller)),
				Environment:    strings.ToLower(headerOr(r, HeaderEnvironment, DefaultEnvironment)),
				Tier:           strings.ToLower(headerOr(r, HeaderTier, DefaultTier)),
			}
			if requireCaller && c.CallerID == "" {
				writeUnauthorized(w, "missing "+HeaderCaller+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), c)))
		})
	}
}

func headerOr(r *http.Request, name, def string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return def
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "authentication_error",
			Message: message,
		},
	})
}
