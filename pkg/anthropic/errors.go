package anthropic

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// ModelErrorKind classifies provider-side failures for retry decisions.
type ModelErrorKind string

const (
	KindRateLimited         ModelErrorKind = "rate_limited"
	KindInvalidRequest      ModelErrorKind = "invalid_request"
	KindProviderUnavailable ModelErrorKind = "provider_unavailable"
	KindTimeout             ModelErrorKind = "timeout"
)

// ModelError wraps a provider failure with its classification.
type ModelError struct {
	Kind ModelErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	return "anthropic: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error kind is transient. InvalidRequest is
// the only kind that repeating the same call cannot fix.
func (e *ModelError) Retryable() bool {
	return e.Kind != KindInvalidRequest
}

// AsModelError extracts a ModelError from an error chain.
func AsModelError(err error) (*ModelError, bool) {
	var me *ModelError
	ok := errors.As(err, &me)
	return me, ok
}

func minuteInterval(perMinute int) time.Duration {
	return time.Minute / time.Duration(perMinute)
}

// classifyError maps SDK and transport failures onto the ModelError taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ModelError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &ModelError{Kind: KindRateLimited, Err: err}
		case apierr.StatusCode == http.StatusRequestTimeout:
			return &ModelError{Kind: KindTimeout, Err: err}
		case apierr.StatusCode >= 500:
			return &ModelError{Kind: KindProviderUnavailable, Err: err}
		default:
			// 4xx other than 429/408: the request itself is at fault.
			return &ModelError{Kind: KindInvalidRequest, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ModelError{Kind: KindTimeout, Err: err}
	}

	// Connection-level failures: treat as provider unavailability.
	return &ModelError{Kind: KindProviderUnavailable, Err: err}
}
