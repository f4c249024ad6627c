package server

import (
	"net/http"

	gateway "github.com/eugener/capgate/internal"
)

type imageData struct {
	Images           []gateway.Image `json:"images"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	RevisedPrompt    string          `json:"revisedPrompt,omitempty"`
	Cost             float64         `json:"cost"`
	Latency          int64           `json:"latency"` // ms
	RequestID        string          `json:"requestId"`
	Fallback         bool            `json:"fallback,omitempty"`
	OriginalProvider string          `json:"originalProvider,omitempty"`
}

func (s *server) handleImageGeneration(w http.ResponseWriter, r *http.Request) {
	var req gateway.ImageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, s.rejectBody(r, gateway.CapabilityImageGeneration, err))
		return
	}

	out, err := s.deps.Orchestrator.GenerateImage(r.Context(), credentials(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteClient(r, out.ClientID)
	writeOK(w, imageData{
		Images:           out.Result.Images,
		Model:            out.Model,
		Provider:         out.Provider,
		RevisedPrompt:    out.Result.RevisedPrompt,
		Cost:             out.CostUSD,
		Latency:          out.Latency.Milliseconds(),
		RequestID:        out.RequestID,
		Fallback:         out.Fallback,
		OriginalProvider: out.OriginalProvider,
	})
}
