// ABOUTME: Bounded retry with exponential backoff for provider calls
// ABOUTME: Backoff sleeps are context-interruptible so cancellation aborts immediately

package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/resumelab/coach-gateway/internal/provider"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultJitterPercent = 30
)

// Policy describes how a fallible provider call is retried. The zero value is
// not usable; construct with Default and override fields as needed.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int

	// Retryable classifies an error as transient. Errors it rejects are
	// propagated immediately.
	Retryable func(error) bool
}

// Default returns the standard policy: three attempts, exponential backoff
// with ±30% jitter, transport-class errors retried, cancellation and
// malformed responses terminal.
func Default() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		JitterPercent: DefaultJitterPercent,
		Retryable:     IsTransient,
	}
}

// Do invokes op, retrying transient failures until attempts are exhausted.
// The backoff sleep between attempts aborts as soon as ctx is cancelled.
// The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, p.delay(attempt-1)); err != nil {
				return lastErr
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay returns the backoff for attempt n (0-indexed) with jitter applied.
func (p Policy) delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	for range attempt {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterPercent > 0 {
		span := int(delay) * p.JitterPercent / 100
		if span > 0 {
			delay += time.Duration(rand.IntN(span*2) - span)
		}
	}
	return delay
}

// sleepContext sleeps for d, returning early with ctx.Err() on cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTransient reports whether an error is worth retrying: rate limits,
// overload, server errors and network failures. Cancellation and malformed
// responses are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, provider.ErrCancelled) || errors.Is(err, provider.ErrMalformedResponse) {
		return false
	}

	msg := err.Error()

	// Rate limit (429) and Anthropic overloaded (529)
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return true
	}
	if strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") {
		return true
	}
	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	// Network errors
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}
	return false
}
