package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/agentdeck/internal/apperr"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesUpToCeiling(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context, int) error {
		calls++
		return apperr.New(apperr.Server, "upstream returned 503")
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.Server {
		t.Fatalf("unexpected error %v", err)
	}
	if e.Attempts != 3 || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error not annotated with attempts: %v", err)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		kind apperr.Kind
	}{
		{"not found", apperr.NotFound},
		{"client", apperr.Client},
		{"auth", apperr.Authentication},
		{"forbidden", apperr.Authorization},
		{"timeout", apperr.Timeout},
		{"validation", apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(5), func(context.Context, int) error {
				calls++
				return apperr.New(tt.kind, "nope")
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var seen []int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return apperr.New(apperr.Network, "connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("attempts = %v", seen)
	}
}

func TestDoCallsOnRetry(t *testing.T) {
	var notified []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error, d time.Duration) {
		if d <= 0 {
			t.Errorf("non-positive delay %v", d)
		}
		notified = append(notified, attempt)
	}
	_ = Do(context.Background(), p, func(context.Context, int) error {
		return errors.New("flaky")
	})
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notified = %v", notified)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{Attempts: 10, InitialDelay: 50 * time.Millisecond}
	err := Do(ctx, p, func(context.Context, int) error {
		calls++
		cancel()
		return apperr.New(apperr.Network, "down")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !apperr.Is(err, apperr.Network) {
		t.Errorf("expected last upstream error, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(context.Canceled) {
		t.Error("context.Canceled must not retry")
	}
	if !Retryable(errors.New("eof")) {
		t.Error("unclassified errors should retry")
	}
	if !Retryable(apperr.New(apperr.UpstreamRateLimit, "429")) {
		t.Error("429 should retry")
	}
}
