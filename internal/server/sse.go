package server

import (
	"net/http"
)

// SSE event names.
var (
	sseEventDelta = []byte("delta")
	sseEventDone  = []byte("done")
	sseEventError = []byte("error")
)

// Pre-allocated byte slices for SSE formatting on the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("\ndata: ")
	sseNewline     = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent writes one named frame: "event: <name>\ndata: <payload>\n\n".
// payload must not contain newlines; compact JSON never does.
func writeSSEEvent(w http.ResponseWriter, name, data []byte) {
	w.Write(sseEventPrefix)
	w.Write(name)
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
