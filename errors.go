package hume

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Common error variables
var (
	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("hume: invalid configuration")

	// ErrUnauthenticated matches every *AuthError.
	ErrUnauthenticated = errors.New("hume: unauthenticated")

	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("hume: rate limited")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("hume: transport failure")

	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("hume: decode failure")

	// ErrCancelled matches every *CancelledError.
	ErrCancelled = errors.New("hume: cancelled")

	// ErrSessionNotOpen matches every *SessionNotOpenError.
	ErrSessionNotOpen = errors.New("hume: session is not open")

	// ErrProtocolViolation matches every *ProtocolError.
	ErrProtocolViolation = errors.New("hume: protocol violation")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("hume: validation failed")

	// ErrConcurrentPagination is returned when NextPage is called while another
	// NextPage call on the same Paginator is still running.
	ErrConcurrentPagination = errors.New("hume: concurrent pagination on the same paginator")

	// ErrHandshakeTimeout is recorded as the close reason of a session whose
	// ready message did not arrive within Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("hume: session handshake timed out")

	// ErrCircuitOpen is returned by the executor while its circuit breaker is open.
	ErrCircuitOpen = errors.New("hume: circuit breaker is open")

	// ErrSendTimeout is returned when writing a frame to the transport times out.
	ErrSendTimeout = errors.New("hume: send timeout")

	// ErrSessionUsed is returned by Connect on a session that was already
	// connected or closed.
	ErrSessionUsed = errors.New("hume: session already connected or closed")
)

// ConfigError represents a configuration validation error.
// It provides detailed information about which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("hume: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("hume: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// AuthErrorKind classifies authentication failures.
type AuthErrorKind int

const (
	// AuthUnconfigured means no credential was supplied.
	AuthUnconfigured AuthErrorKind = iota + 1
	// AuthExpired means the bearer token lapsed and could not be refreshed.
	AuthExpired
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthUnconfigured:
		return "unconfigured"
	case AuthExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// AuthError is returned by the Authenticator before any network call is made.
type AuthError struct {
	Kind  AuthErrorKind
	Cause error // refresh failure, if any
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hume: credential %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("hume: credential %s", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Is implements error matching for AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthenticated
}

// APIError is a non-retryable rejection returned by the API, or a retryable
// status that exhausted its attempts.
type APIError struct {
	Status  int
	Message string
	Code    string
	Body    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hume: api error (status %d, code %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("hume: api error (status %d): %s", e.Status, e.Message)
}

// Retryable reports whether the status is one the executor would retry by default.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RateLimitError is surfaced once 429 responses exhaust the retry policy.
type RateLimitError struct {
	// RetryAfter is the server-supplied wait, zero when the header was absent.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("hume: rate limit exceeded (retry after %s)", e.RetryAfter)
	}
	return "hume: rate limit exceeded"
}

// Is implements error matching for RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// TransportError represents connection-level failures (DNS, timeouts,
// connection reset, TLS handshake) for both HTTP calls and sessions.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("hume: transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("hume: transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("hume: transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is implements error matching for TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// DecodeError represents a response or frame body that does not match the
// declared shape.
type DecodeError struct {
	What string // what was being decoded, e.g. "response body" or "audio_output"
	Raw  []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hume: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is implements error matching for DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// CancelledError is returned when the caller's context ends an operation.
type CancelledError struct {
	Err error // context.Canceled or context.DeadlineExceeded
}

func (e *CancelledError) Error() string {
	if e.Err == nil {
		return "hume: cancelled"
	}
	return fmt.Sprintf("hume: cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// Is implements error matching for CancelledError.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// SessionNotOpenError is returned by Session.Send outside the Open state.
type SessionNotOpenError struct {
	State SessionState
}

func (e *SessionNotOpenError) Error() string {
	return fmt.Sprintf("hume: session is not open (state %s)", e.State)
}

// Is implements error matching for SessionNotOpenError.
func (e *SessionNotOpenError) Is(target error) bool {
	return target == ErrSessionNotOpen
}

// ProtocolError is a fatal violation of the message grammar or ordering
// contract. It always moves a session to Failed.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hume: protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "hume: protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is implements error matching for ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// ServerError is an error message sent by the server over a session. It is
// delivered inline as an error notice and does not end the session.
type ServerError struct {
	Code    string
	Slug    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hume: server error %s: %s", e.Code, e.Message)
	}
	return "hume: server error: " + e.Message
}

// SequenceError describes an audio chunk that arrived out of order.
type SequenceError struct {
	StreamID string
	Want     uint32
	Got      uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("stream %q: expected sequence %d, got %d", e.StreamID, e.Want, e.Got)
}

// ValidationError is returned by request assembly when a mandatory field is
// missing or a value is out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hume: invalid %s: %s", e.Field, e.Message)
}

// Is implements error matching for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Helper functions for creating specific errors

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewProtocolError creates a new protocol violation.
func NewProtocolError(reason string, cause error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: cause}
}

// IsRetryable reports whether err is a transient condition a caller may retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// cancelled wraps a context error, or returns nil when ctx is still live.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &CancelledError{Err: err}
	}
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	q := u.Query()
	for _, k := range []string{"api_key", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
