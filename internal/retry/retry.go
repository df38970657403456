// Package retry classifies transient provider failures and computes
// backoff delays for the orchestrator's streaming retry loop.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/concierge-agent/concierge/internal/llm"
)

// MaxDelay caps the computed backoff delay.
const MaxDelay = 30 * time.Second

// IsRetryable reports whether err is a transient failure worth
// retrying. The retryable set is closed: backend rate-limit and
// overload signals, and transport timeouts or connection loss.
// Everything else, including cancellation, is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is the caller's decision, never retried.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests, // rate limit
			http.StatusServiceUnavailable, // overloaded
			529: // concurrency limit (Anthropic-style overload code)
			return true
		}
		return false
	}

	// Transport timeouts.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection loss mid-stream.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNREFUSED:
			return true
		}
	}

	return false
}

// Delay returns the sleep duration before retry attempt n (0-based):
// base*2^n plus up to 500ms of uniform jitter, capped at MaxDelay.
// Used only between attempts, never before the first.
func Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if d <= 0 || d > MaxDelay {
		// Shift overflow or past the cap.
		return MaxDelay
	}
	d += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
