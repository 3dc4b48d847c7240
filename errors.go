package meterpay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies routing and settlement failures. Kinds are stable
// strings: they appear in API responses, logs, and metrics labels.
type ErrorKind string

const (
	KindUnauthorized          ErrorKind = "unauthorized"
	KindSubscriptionRequired  ErrorKind = "subscription_required"
	KindAgentNotFound         ErrorKind = "agent_not_found"
	KindNotFound              ErrorKind = "not_found"
	KindNoValidPermits        ErrorKind = "no_valid_permits"
	KindInsufficientBalance   ErrorKind = "insufficient_balance"
	KindInsufficientAllowance ErrorKind = "insufficient_allowance"
	KindUnsupportedChain      ErrorKind = "unsupported_chain"
	KindUnsupportedRoute      ErrorKind = "unsupported_route"
	KindPermitStale           ErrorKind = "permit_stale"
	KindAttestationFailed     ErrorKind = "attestation_failed"
	KindReceiptTimeout        ErrorKind = "receipt_timeout"
	KindAPICallFailed         ErrorKind = "api_call_failed"
	KindRateLimited           ErrorKind = "rate_limited"
	KindInvalidParameters     ErrorKind = "invalid_parameters"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindConfiguration         ErrorKind = "configuration_error"
	KindValidation            ErrorKind = "validation_error"
	KindInternal              ErrorKind = "internal_error"
)

// Error is the routing error type. Message is safe to return to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the response status the router returns.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindSubscriptionRequired:
		return http.StatusForbidden
	case KindAgentNotFound, KindNotFound:
		return http.StatusNotFound
	case KindNoValidPermits, KindInsufficientBalance, KindInsufficientAllowance:
		return http.StatusPaymentRequired
	case KindUnsupportedChain, KindUnsupportedRoute, KindInvalidParameters, KindInvalidRequest:
		return http.StatusBadRequest
	case KindPermitStale:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAttestationFailed, KindReceiptTimeout, KindAPICallFailed, KindValidation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Store sentinels. Implementations return these, wrapped, so callers can
// branch with errors.Is.
var (
	// ErrNotFound is returned by store lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrPaymentExists is returned when a payment already covers the api
	// call id; settlement is idempotent on it.
	ErrPaymentExists = errors.New("payment already recorded for api call")
)
