package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/app"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Canonical MIME header keys, for direct map access without
// textproto.CanonicalMIMEHeaderKey.
const (
	requestIDHeader = "X-Request-Id"
	apiKeyHeader    = "X-Api-Key"
	apiSecretHeader = "X-Api-Secret"
)

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, envelope{Code: codeInternal, Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID adds a UUID v7 request ID to the context and response header.
// A caller-supplied ID is kept.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && vals[0] != "" {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestNote collects what handlers learn about a request for the
// access log. Admission attaches the client to a derived context that the
// middleware never sees, so handlers copy it here.
type requestNote struct {
	clientID string
}

type noteKey struct{}

// noteClient records the admitted client for the access log.
func noteClient(r *http.Request, clientID string) {
	if n, ok := r.Context().Value(noteKey{}).(*requestNote); ok {
		n.clientID = clientID
	}
}

// observe logs each request and, when metrics are wired, records its
// status and duration.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if m := s.deps.Metrics; m != nil {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
		}

		note := &requestNote{}
		r = r.WithContext(context.WithValue(r.Context(), noteKey{}, note))

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			recordRequest(s.deps.Metrics, r, status, elapsed)
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.LogAttrs(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
			slog.String("client_id", note.clientID),
		)
	})
}

// credentials reads the caller's key pair. Missing headers yield empty
// values, which authentication rejects.
func credentials(r *http.Request) app.Credentials {
	var c app.Credentials
	if vals := r.Header[apiKeyHeader]; len(vals) > 0 {
		c.APIKey = vals[0]
	}
	if vals := r.Header[apiSecretHeader]; len(vals) > 0 {
		c.Secret = vals[0]
	}
	return c
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// Only the first WriteHeader is recorded, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter so SSE works through
// middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
