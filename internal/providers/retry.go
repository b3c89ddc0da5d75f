package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// HTTPError carries a non-2xx provider response. RetryAfter is honored for
// 429 responses that supply a Retry-After header.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Kind classifies e into the kernel's error kinds.
func (e *HTTPError) Kind() errs.Kind {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return errs.Transient
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return errs.External // auth: fatal for this request, not retriable
	case e.Status >= 500:
		return errs.Transient
	case e.Status >= 400:
		return errs.Validation
	default:
		return errs.External
	}
}

// IsRetriable reports whether err is worth retrying: network errors,
// 429s, and 5xx responses.
func IsRetriable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Kind() == errs.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Plain transport failures (connection refused/reset) surface as
	// *url.Error wrapping a net.OpError; both unwrap to net.Error above.
	// Anything else is treated as fatal for this request.
	return false
}

// ClassifyError maps a provider error to the kernel's error kinds so the
// agent loop can choose between retry, apology, and refusal.
func ClassifyError(err error) errs.Kind {
	if err == nil {
		return errs.Transient
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Kind()
	}
	if IsRetriable(err) {
		return errs.Transient
	}
	return errs.External
}

// RetryConfig tunes the provider retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the policy used across all providers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// RetryDo runs fn with exponential backoff on retriable errors. A 429's
// Retry-After overrides the computed backoff when longer.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetriable(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}

		slog.Warn("provider call failed, retrying",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// ParseRetryAfter parses a Retry-After header value (seconds form only;
// HTTP-date form is ignored).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
