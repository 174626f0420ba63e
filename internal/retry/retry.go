// Package retry wraps operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/cenkalti/backoff/v4"
)

// Defaults applied when a Policy leaves a field zero.
const (
	DefaultAttempts     = 3
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultMultiplier   = 2.0
)

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor applied to each delay (0 disables).
	Jitter float64

	// Retryable decides whether a failed attempt may be retried. Defaults to
	// Retryable.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Retryable == nil {
		p.Retryable = Retryable
	}
	return p
}

// Retryable is the default classifier. Classified errors retry only when
// their kind is transient (network, server, upstream rate limit). Context
// cancellation never retries. Unclassified errors are assumed transient.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := apperr.As(err); ok {
		return e.Kind.Retryable()
	}
	return true
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The attempt number passed to op starts at
// 1. When the returned error is an *apperr.Error it is annotated with the
// number of attempts made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	// Cancellation between attempts surfaces the context error; prefer the
	// upstream failure if one was seen.
	if lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = lastErr
	}
	return annotate(err, attempt)
}

func annotate(err error, attempts int) error {
	e, ok := apperr.As(err)
	if !ok {
		return err
	}
	if e == err {
		cp := *e
		cp.Attempts = attempts
		return &cp
	}
	e.Attempts = attempts
	return err
}
