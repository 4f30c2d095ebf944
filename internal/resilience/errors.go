package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/sells-group/company-detail/pkg/anthropic"
)

// IsTransient reports whether an error is safe to retry. Provider errors
// carry their own classification; everything else falls back to common
// network failure checks. Per-call deadline expiry is transient (it counts
// as one failed attempt), parent-context cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if me, ok := anthropic.AsModelError(err); ok {
		return me.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	return false
}
