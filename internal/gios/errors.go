package gios

import (
	"errors"
	"fmt"
)

// rateLimitCode is the structured error code returned when the archival
// endpoint exceeds its server-side limit of 2 requests per minute.
const rateLimitCode = "API-ERR-100003"

var (
	// ErrConnectivity marks transport-level failures (DNS, connect, timeout).
	// Callers may retry later; cached data stays valid.
	ErrConnectivity = errors.New("gios: remote service unreachable")

	// ErrTooManyRequests marks the archival endpoint's rate limit.
	ErrTooManyRequests = errors.New("gios: too many requests")

	// ErrUnexpectedPayload marks a payload whose shape does not match the
	// documented envelope. Not retryable.
	ErrUnexpectedPayload = errors.New("gios: unexpected payload shape")
)

// APIError is a structured application error returned by the GIOŚ service.
type APIError struct {
	Code     string
	Reason   string
	Result   string
	Solution string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gios: api error [%s]: %s %s %s", e.Code, e.Reason, e.Result, e.Solution)
}
