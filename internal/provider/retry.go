package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
	retryMaxAttempts  = 3
)

// delayForAttempt computes the exponential backoff delay for a 1-indexed
// retry attempt, with deterministic jitter derived from the seed so retry
// schedules are reproducible per (run, step, attempt).
func delayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(retryInitialDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(retryMaxDelay) {
		d = float64(retryMaxDelay)
	}
	if seed != "" {
		h := sha256.Sum256([]byte(seed + ":" + strconv.Itoa(attempt)))
		frac := float64(binary.BigEndian.Uint32(h[:4])) / float64(math.MaxUint32)
		// Jitter in [0.85, 1.15).
		d *= 0.85 + 0.3*frac
	}
	return time.Duration(d)
}

// parseRetryAfter reads a Retry-After header as either seconds or an HTTP
// date. Zero means absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// withRetry runs fn up to retryMaxAttempts times, backing off between
// retryable failures and honoring the context during the wait.
func withRetry(ctx context.Context, seed string, logf func(string), fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == retryMaxAttempts {
			return "", err
		}

		delay := apiErr.RetryAfter
		if delay <= 0 {
			delay = delayForAttempt(attempt, seed)
		}
		if logf != nil {
			logf(fmt.Sprintf("retryable provider error (attempt %d/%d), waiting %s: %v", attempt, retryMaxAttempts, delay.Round(time.Millisecond), err))
		}
		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-time.After(delay):
		}
	}
	return "", lastErr
}
