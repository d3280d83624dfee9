package hume

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy configures retry behavior for failed HTTP calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Set to 1 to disable retries.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	// Default: 500 milliseconds
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Jitter adds a uniform random amount in [0, delay] to each delay.
	Jitter bool

	// RetryStatuses lists the HTTP statuses retried.
	// Default: 429, 500, 502, 503, 504
	RetryStatuses []int

	// RetryServerErrors retries every 5xx, not only those in RetryStatuses.
	RetryServerErrors bool

	// RetryTransport retries connection-level failures.
	RetryTransport bool
}

// DefaultRetryPolicy returns a sensible default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Jitter:         true,
		RetryStatuses:  []int{429, 500, 502, 503, 504},
		RetryTransport: true,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return NewConfigError("Retry.MaxAttempts", strconv.Itoa(p.MaxAttempts), "must be at least 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return NewConfigError("Retry.BaseDelay", p.BaseDelay.String(), "delays cannot be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return NewConfigError("Retry.MaxDelay", p.MaxDelay.String(), "must not be less than BaseDelay")
	}
	return nil
}

// retryableStatus reports whether status should be retried under p.
func (p RetryPolicy) retryableStatus(status int) bool {
	if p.RetryServerErrors && status >= 500 && status <= 599 {
		return true
	}
	return slices.Contains(p.RetryStatuses, status)
}

// Backoff returns the delay before attempt+1, ignoring jitter and Retry-After.
// attempt counts from 1: Backoff(1) == BaseDelay. The sequence is
// non-decreasing and capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// delay computes the actual wait, honouring a server-supplied Retry-After.
func (p RetryPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := p.Backoff(attempt)
	if p.Jitter && d > 0 {
		d += rand.N(d + 1)
	}
	return d
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return cancelled(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &CancelledError{Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

func (p RetryPolicy) String() string {
	return fmt.Sprintf("RetryPolicy{attempts=%d base=%s max=%s jitter=%t}", p.MaxAttempts, p.BaseDelay, p.MaxDelay, p.Jitter)
}
