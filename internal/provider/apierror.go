package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
)

// APIError is a normalized upstream failure. Kind is one of the gateway
// upstream sentinels and is exposed through Unwrap, so callers classify
// with errors.Is(err, gateway.ErrProviderAuth) and friends.
type APIError struct {
	Provider   string
	StatusCode int    // 0 for transport failures
	Message    string // raw vendor message, for diagnostics
	Kind       error
	cause      error
}

// Error returns a formatted error string including provider, status, and message.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
}

// Unwrap exposes both the normalized kind and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

// HTTPStatus returns the upstream HTTP status code (0 for transport errors).
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether another attempt against the same provider may
// succeed.
func (e *APIError) Retryable() bool {
	return errors.Is(e.Kind, gateway.ErrNetwork) ||
		errors.Is(e.Kind, gateway.ErrUpstream) ||
		errors.Is(e.Kind, gateway.ErrProviderRateLimited)
}

// KindForStatus maps an upstream HTTP status to a gateway sentinel.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return gateway.ErrProviderAuth
	case code == http.StatusTooManyRequests:
		return gateway.ErrProviderRateLimited
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusRequestEntityTooLarge, code == http.StatusUnprocessableEntity:
		return gateway.ErrInvalidRequest
	default:
		return gateway.ErrUpstream
	}
}

// ParseAPIError reads up to 4KB from the response body and returns an
// APIError classified by status code. The vendor message is extracted from
// the usual JSON error shapes when present.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    vendorMessage(body),
		Kind:       KindForStatus(resp.StatusCode),
	}
}

// vendorMessage pulls a human-readable message out of an error body.
func vendorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return strings.TrimSpace(string(body))
}

// NetworkError wraps a transport-level failure. Context errors remain
// reachable through errors.Is so callers can tell timeouts apart.
func NetworkError(provider string, err error) error {
	return &APIError{
		Provider: provider,
		Message:  err.Error(),
		Kind:     gateway.ErrNetwork,
		cause:    err,
	}
}

// DecodeError wraps a malformed upstream response.
func DecodeError(provider string, err error) error {
	return &APIError{
		Provider: provider,
		Message:  "decode response: " + err.Error(),
		Kind:     gateway.ErrUpstream,
		cause:    err,
	}
}

// RequestError wraps a failure to build the outbound request, such as a
// malformed endpoint. It is never retried.
func RequestError(provider string, err error) error {
	return &APIError{
		Provider: provider,
		Message:  "create request: " + err.Error(),
		Kind:     gateway.ErrInvalidRequest,
		cause:    err,
	}
}

// IsTimeout reports whether err stems from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
