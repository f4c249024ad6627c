package gateway

import "errors"

// Admission and routing errors. These are terminal: they abort a request
// before any upstream call is made.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrRateLimited         = errors.New("too many requests")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrRequestTooExpensive = errors.New("request too expensive")
	ErrNoRouteAvailable    = errors.New("no route available")
	ErrModelNotAllowed     = errors.New("model not allowed")
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
)

// Adapter-normalized upstream errors. Every failure escaping a provider
// adapter wraps exactly one of these.
var (
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrInvalidRequest      = errors.New("provider rejected request")
	ErrUpstream            = errors.New("upstream error")
	ErrNetwork             = errors.New("network error")
)

// IsUpstreamError reports whether err is one of the adapter-normalized
// upstream failures, i.e. a dispatch failure eligible for fallback.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrProviderAuth) ||
		errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrNetwork)
}
