package hipchat

import (
	"errors"
	"fmt"
)

// ErrClientRevoked indicates the token issuer answered 401: the tenant's
// credentials are no longer valid and the installation should be cleaned up.
var ErrClientRevoked = errors.New("oauth client revoked by issuer")

// ErrUpstreamTimeout indicates an outbound call timed out after all retries.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// ProtocolError is an unexpected non-2xx from the platform. The response body
// is kept for logging; callers should not parse it.
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected upstream status %d: %s", e.StatusCode, e.Body)
}

// ValidationError rejects an install request with a human-readable reason
// suitable for a 400 response body.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Invalid wraps a reason into a ValidationError.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
