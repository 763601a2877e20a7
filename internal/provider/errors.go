package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is the closed set of upstream failure categories. Every
// error that leaves this package is an *Error tagged with exactly one
// kind, so callers can switch over it exhaustively.
type FailureKind int

const (
	// KindUnclassified covers anything the boundary adapter could not
	// place in a more specific bucket.
	KindUnclassified FailureKind = iota

	// KindBadRequest means the upstream rejected the request parameters.
	KindBadRequest

	// KindAuth means the credential was rejected.
	KindAuth

	// KindPermission means the credential is valid but not allowed.
	KindPermission

	// KindNotFound means the upstream model or resource does not exist.
	KindNotFound

	// KindRateLimit means the upstream rate limit was exceeded.
	KindRateLimit

	// KindConnection means the upstream could not be reached.
	KindConnection

	// KindUpstream means the upstream failed internally or is overloaded.
	KindUpstream

	// KindTimeout means the attempt exceeded its timeout.
	KindTimeout
)

// String returns the kind's wire-friendly name.
func (k FailureKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindAuth:
		return "authentication"
	case KindPermission:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindConnection:
		return "connection"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	default:
		return "unclassified"
	}
}

// Error is the uniform upstream failure. Status is the upstream HTTP
// status when one was received, zero otherwise.
type Error struct {
	Kind     FailureKind
	Provider string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %q error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %q %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// kindForStatus maps an upstream HTTP status to a failure kind.
func kindForStatus(status int) FailureKind {
	switch {
	case status == 400 || status == 422:
		return KindBadRequest
	case status == 401:
		return KindAuth
	case status == 403:
		return KindPermission
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status == 408 || status == 504:
		return KindTimeout
	case status == 502:
		return KindConnection
	case status >= 500:
		return KindUpstream
	default:
		return KindUnclassified
	}
}

// adaptTransportError converts an error from the HTTP transport into an
// *Error. Context deadline maps to a timeout, context cancellation is
// passed through untouched so callers can tell a gone client from a
// failed upstream.
func adaptTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindConnection
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = KindTimeout
		}
	}

	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  err.Error(),
		Cause:    err,
	}
}
