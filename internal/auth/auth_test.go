package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- GenerateAPIKey tests ---

func TestGenerateAPIKey_PrefixAndLength(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}
	if !strings.HasPrefix(plaintext, "adk_") {
		t.Errorf("plaintext key should start with 'adk_', got %q", plaintext)
	}
	// "adk_" (4) + 32 random chars = 36
	if len(plaintext) != 36 {
		t.Errorf("expected plaintext length 36, got %d", len(plaintext))
	}
	if hash != HashKey(plaintext) {
		t.Error("hash does not match plaintext")
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		plaintext, _, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

func TestHashKey(t *testing.T) {
	if HashKey("adk_a") != HashKey("adk_a") {
		t.Error("HashKey should be deterministic")
	}
	if HashKey("adk_a") == HashKey("adk_b") {
		t.Error("different keys should produce different hashes")
	}
	if n := len(HashKey("anything")); n != 64 {
		t.Errorf("expected hash length 64, got %d", n)
	}
}

func TestKeyMatcher(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		want       bool
	}{
		{"plaintext match", "super-secret", "super-secret", true},
		{"plaintext mismatch", "super-secret", "other", false},
		{"hashed match", "sha256:" + HashKey("super-secret"), "super-secret", true},
		{"hashed uppercase", "sha256:" + strings.ToUpper(HashKey("super-secret")), "super-secret", true},
		{"unconfigured", "", "", false},
		{"unconfigured with token", "", "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewKeyMatcher(tt.configured).Match(tt.presented); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid admin key", "Bearer " + adminKey, http.StatusOK},
		{"wrong admin key", "Bearer wrong-key", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Basic " + adminKey, http.StatusUnauthorized},
		{"bearer only no token", "Bearer", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			AdminAuthMiddleware(NewKeyMatcher(adminKey))(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}
}

// --- CallerMiddleware tests ---

func TestCallerMiddleware(t *testing.T) {
	var got *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/execute/agents/a1", nil)
	req.Header.Set(HeaderOrganization, "org1")
	req.Header.Set(HeaderCaller, "c1")
	req.Header.Set(HeaderEnvironment, "Development")
	req.Header.Set(HeaderTier, "PRO")
	rr := httptest.NewRecorder()
	CallerMiddleware(true)(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || got == nil {
		t.Fatalf("status = %d, caller = %v", rr.Code, got)
	}
	want := Caller{OrganizationID: "org1", CallerID: "c1", Environment: "development", Tier: "pro"}
	if *got != want {
		t.Errorf("caller = %+v, want %+v", *got, want)
	}
}

func TestCallerMiddlewareDefaults(t *testing.T) {
	var got *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CallerFromContext(r.Context())
	})

	rr := httptest.NewRecorder()
	CallerMiddleware(false)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == nil {
		t.Fatal("no caller in context")
	}
	if got.OrganizationID != DefaultOrganization || got.Environment != DefaultEnvironment || got.Tier != DefaultTier {
		t.Errorf("defaults = %+v", got)
	}

	rr = httptest.NewRecorder()
	got = nil
	CallerMiddleware(true)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized || got != nil {
		t.Errorf("missing caller id: status = %d", rr.Code)
	}
	assertJSONError(t, rr)
}

func TestCallerFromContext_Empty(t *testing.T) {
	if got := CallerFromContext(context.Background()); got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code != "authentication_error" {
		t.Errorf("expected error code 'authentication_error', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
