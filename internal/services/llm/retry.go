package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy decides how often and how long to back off between requests.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Sleep replaces the timer wait when set. Tests use it to record delays.
	Sleep func(time.Duration)
}

// DefaultRetryPolicy allows five attempts with delays doubling from 1s to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		delay, ok := p.delayFor(err, attempt)
		if !ok {
			return err
		}
		if werr := p.wait(ctx, delay); werr != nil {
			return werr
		}
	}
	if attempts > 1 {
		return fmt.Errorf("llm: gave up after %d attempts: %w", attempts, err)
	}
	return err
}

func (p RetryPolicy) delayFor(err error, attempt int) (time.Duration, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var status *StatusError
	if errors.As(err, &status) {
		code := status.StatusCode
		if code != http.StatusRequestTimeout && code != http.StatusTooManyRequests && code < 500 {
			return 0, false
		}
		if status.RetryAfter > 0 {
			return p.clamp(status.RetryAfter), true
		}
		return p.backoff(attempt), true
	}
	var empty *EmptyCompletionError
	if errors.As(err, &empty) {
		return p.backoff(attempt), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return p.backoff(attempt), true
	}
	return 0, false
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	return p.clamp(delay)
}

func (p RetryPolicy) clamp(delay time.Duration) time.Duration {
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return max(delay, 0)
}

func (p RetryPolicy) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if p.Sleep != nil {
		p.Sleep(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0)
	}
	return 0
}
