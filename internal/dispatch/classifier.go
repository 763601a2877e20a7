package dispatch

import (
	"errors"
	"net/http"

	"github.com/pylonproxy/pylon/internal/provider"
	"github.com/pylonproxy/pylon/internal/registry"
)

// Classify maps any failure raised on the request path to an HTTP status,
// a client-facing envelope, and whether the failure is worth retrying.
//
// Client errors (bad request, auth, permission, unknown model) are never
// retryable. Transient upstream conditions (rate limit, connection
// failure, upstream outage, timeout) are. Anything unrecognized falls
// back to a non-retryable 500.
func Classify(err error) (status int, env Envelope, retryable bool) {
	var unknown *registry.UnknownModelError
	if errors.As(err, &unknown) {
		return http.StatusNotFound,
			NewEnvelope("not_found_error", unknown.Error(), "model_not_found"),
			false
	}

	var pe *provider.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError,
			NewEnvelope("api_error", err.Error(), "internal_error"),
			false
	}

	switch pe.Kind {
	case provider.KindBadRequest:
		return http.StatusBadRequest,
			NewEnvelope("invalid_request_error", pe.Message, "invalid_request"),
			false
	case provider.KindAuth:
		return http.StatusUnauthorized,
			NewEnvelope("authentication_error", pe.Message, "invalid_api_key"),
			false
	case provider.KindPermission:
		return http.StatusForbidden,
			NewEnvelope("permission_denied", pe.Message, "permission_denied"),
			false
	case provider.KindNotFound:
		return http.StatusNotFound,
			NewEnvelope("invalid_request_error", pe.Message, "model_not_found"),
			false
	case provider.KindRateLimit:
		return http.StatusTooManyRequests,
			NewEnvelope("rate_limit_error", pe.Message, "rate_limit_exceeded"),
			true
	case provider.KindConnection:
		return http.StatusBadGateway,
			NewEnvelope("connection_error", pe.Message, "connection_error"),
			true
	case provider.KindUpstream:
		return http.StatusServiceUnavailable,
			NewEnvelope("service_unavailable", pe.Message, "service_unavailable"),
			true
	case provider.KindTimeout:
		return http.StatusGatewayTimeout,
			NewEnvelope("timeout_error", pe.Message, "request_timeout"),
			true
	default:
		return http.StatusInternalServerError,
			NewEnvelope("api_error", pe.Message, "internal_error"),
			false
	}
}
