package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/capgate/internal"
)

// keepAliveEvery is the SSE comment interval on idle streams.
const keepAliveEvery = 15 * time.Second

type textData struct {
	Text             string        `json:"text"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	Usage            gateway.Usage `json:"usage"`
	Cost             float64       `json:"cost"`
	Latency          int64         `json:"latency"` // ms
	FinishReason     string        `json:"finishReason"`
	RequestID        string        `json:"requestId"`
	Fallback         bool          `json:"fallback,omitempty"`
	OriginalProvider string        `json:"originalProvider,omitempty"`
}

type deltaData struct {
	Delta string `json:"delta"`
}

type doneData struct {
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	Usage            gateway.Usage `json:"usage"`
	FinishReason     string        `json:"finishReason"`
	Cost             float64       `json:"cost"`
	Latency          int64         `json:"latency"` // ms
	RequestID        string        `json:"requestId"`
	Fallback         bool          `json:"fallback,omitempty"`
	OriginalProvider string        `json:"originalProvider,omitempty"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *server) handleTextGeneration(w http.ResponseWriter, r *http.Request) {
	var req gateway.TextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, s.rejectBody(r, gateway.CapabilityTextGeneration, err))
		return
	}
	if req.Stream {
		s.streamText(w, r, &req)
		return
	}

	out, err := s.deps.Orchestrator.GenerateText(r.Context(), credentials(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteClient(r, out.ClientID)
	writeOK(w, textData{
		Text:             out.Result.Text,
		Model:            out.Model,
		Provider:         out.Provider,
		Usage:            out.Result.Usage,
		Cost:             out.CostUSD,
		Latency:          out.Latency.Milliseconds(),
		FinishReason:     out.Result.FinishReason,
		RequestID:        out.RequestID,
		Fallback:         out.Fallback,
		OriginalProvider: out.OriginalProvider,
	})
}

func (s *server) handleTextGenerationStream(w http.ResponseWriter, r *http.Request) {
	var req gateway.TextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, s.rejectBody(r, gateway.CapabilityTextGeneration, err))
		return
	}
	s.streamText(w, r, &req)
}

// streamText relays an orchestrated stream as SSE. Errors before the
// first byte use the JSON envelope; later errors become an error event.
func (s *server) streamText(w http.ResponseWriter, r *http.Request, req *gateway.TextRequest) {
	stream, err := s.deps.Orchestrator.GenerateTextStream(r.Context(), credentials(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteClient(r, stream.ClientID)

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			switch {
			case ev.Err != nil:
				_, code := errorInfo(ev.Err)
				writeSSEEvent(w, sseEventError, mustJSON(errorData{Code: code, Message: ev.Err.Error()}))
			case ev.Done != nil:
				d := ev.Done
				writeSSEEvent(w, sseEventDone, mustJSON(doneData{
					Model:            d.Model,
					Provider:         d.Provider,
					Usage:            d.Usage,
					FinishReason:     d.FinishReason,
					Cost:             d.CostUSD,
					Latency:          d.Latency.Milliseconds(),
					RequestID:        d.RequestID,
					Fallback:         d.Fallback,
					OriginalProvider: d.OriginalProvider,
				}))
			default:
				writeSSEEvent(w, sseEventDelta, mustJSON(deltaData{Delta: ev.Delta}))
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// The orchestrator sees the same cancellation and finalizes
			// the attempt; drain so its goroutine is never blocked.
			for range stream.Events {
			}
			return
		}
	}
}

// mustJSON marshals response structs, which cannot fail.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

