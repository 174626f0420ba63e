package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{200, ""},
		{302, ""},
		{400, Client},
		{401, Authentication},
		{403, Authorization},
		{404, NotFound},
		{409, Client},
		{422, Client},
		{429, UpstreamRateLimit},
		{500, Server},
		{502, Server},
		{504, Server},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := ForStatus(tt.status); got != tt.want {
				t.Errorf("ForStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(RateLimitExceeded, "caller over limit")
	wrapped := fmt.Errorf("executing agent: %w", base)

	if got := KindOf(wrapped); got != RateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %q", got)
	}
	if !Is(wrapped, RateLimitExceeded) {
		t.Fatal("Is should match wrapped kind")
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Fatal("plain errors should classify as INTERNAL_ERROR")
	}
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	e := Wrap(Network, cause, "calling weather tool")
	e.Attempts = 3

	msg := e.Error()
	for _, want := range []string{"NETWORK_ERROR", "calling weather tool", "after 3 attempts", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
	if strings.Contains(e.Safe(), "refused") {
		t.Errorf("safe message leaked diagnostic: %q", e.Safe())
	}
	if !errors.Is(e, cause) {
		t.Error("Unwrap should expose the cause")
	}
}

func TestSafeMessageOverride(t *testing.T) {
	e := New(Validation, "input.city missing").WithFields("city").WithUserMessage("city is required")
	if SafeMessage(e) != "city is required" {
		t.Fatalf("unexpected safe message %q", SafeMessage(e))
	}
	if !strings.Contains(e.Error(), "[city]") {
		t.Fatalf("fields missing from %q", e.Error())
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{Network, Server, UpstreamRateLimit}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{Timeout, Client, Authentication, Authorization, NotFound, Validation, Configuration} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if ExecutionInProgress.HTTPStatus() != http.StatusConflict {
		t.Error("EXECUTION_IN_PROGRESS should map to 409")
	}
	if RateLimitExceeded.HTTPStatus() != http.StatusTooManyRequests {
		t.Error("RATE_LIMIT_EXCEEDED should map to 429")
	}
	if AgentNotDeployed.HTTPStatus() != http.StatusNotFound {
		t.Error("AGENT_NOT_DEPLOYED should map to 404")
	}
	if Kind("UNKNOWN").HTTPStatus() != http.StatusInternalServerError {
		t.Error("unknown kinds should map to 500")
	}
}
