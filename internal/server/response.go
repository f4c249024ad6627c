package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/admission"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Envelope codes.
const (
	codeOK                  = "OK"
	codeValidation          = "VALIDATION_ERROR"
	codeUnauthorized        = "UNAUTHORIZED"
	codeForbidden           = "FORBIDDEN"
	codeModelNotAllowed     = "MODEL_NOT_ALLOWED"
	codeQuotaExceeded       = "QUOTA_EXCEEDED"
	codeRequestTooExpensive = "REQUEST_TOO_EXPENSIVE"
	codeRateLimited         = "RATE_LIMITED"
	codeNoRoute             = "NO_ROUTE_AVAILABLE"
	codeUpstream            = "UPSTREAM_ERROR"
	codeInternal            = "INTERNAL_ERROR"
)

// envelope wraps every JSON response body.
type envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	locale := en.New()
	trans, _ = ut.New(locale, locale).GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(fmt.Sprintf("register validator translations: %v", err))
	}
}

// decodeBody decodes and validates a JSON request body into v. Failures
// wrap gateway.ErrValidation.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %s", gateway.ErrValidation, err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", gateway.ErrValidation, validationMessage(err))
	}
	return nil
}

// rejectBody resolves a body decode failure. Callers that fail
// authentication or the permission check get that error instead, so a
// bad body never reveals more than a bad key would.
func (s *server) rejectBody(r *http.Request, capability string, err error) error {
	if _, _, aerr := s.deps.Authorizer.Authorize(r.Context(), credentials(r), capability); aerr != nil {
		return aerr
	}
	return err
}

// validationMessage joins translated field errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(trans))
	}
	return strings.Join(msgs, "; ")
}

// errorInfo maps an error to its HTTP status and envelope code.
func errorInfo(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, gateway.ErrModelNotAllowed):
		return http.StatusForbidden, codeModelNotAllowed
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusForbidden, codeQuotaExceeded
	case errors.Is(err, gateway.ErrRequestTooExpensive):
		return http.StatusForbidden, codeRequestTooExpensive
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, gateway.ErrNoRouteAvailable):
		return http.StatusServiceUnavailable, codeNoRoute
	case gateway.IsUpstreamError(err):
		return http.StatusInternalServerError, codeUpstream
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeError writes the error envelope. Internal errors are logged and
// replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorInfo(err)
	msg := err.Error()
	if code == codeInternal {
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
			slog.String("error", msg),
		)
		msg = "internal server error"
	}
	var rle *admission.RateLimitError
	if errors.As(err, &rle) {
		w.Header()["Retry-After"] = []string{strconv.Itoa(retryAfterSeconds(rle))}
	}
	writeJSON(w, status, envelope{Code: code, Message: msg})
}

func retryAfterSeconds(e *admission.RateLimitError) int {
	return max(int(math.Ceil(e.RetryAfter.Seconds())), 1)
}

// writeOK writes a success envelope around data.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Code: codeOK, Data: data})
}

// jsonCT is a pre-allocated header value slice; direct map assignment
// avoids the []string{v} alloc that Header.Set creates.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
