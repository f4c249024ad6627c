package server

import (
	"fmt"
	"net/http"

	gateway "github.com/eugener/capgate/internal"
)

type modelEntry struct {
	Provider   string              `json:"provider"`
	Model      string              `json:"model"`
	Capability string              `json:"capability"`
	Priority   int                 `json:"priority"`
	Pricing    gateway.Pricing     `json:"pricing"`
	Limits     gateway.ModelLimits `json:"limits"`
	Features   []string            `json:"features,omitempty"`
}

// handleListModels lists the models the caller may route to for one
// capability. Only authentication and the permission check apply.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		capability = gateway.CapabilityTextGeneration
	}
	if capability != gateway.CapabilityTextGeneration && capability != gateway.CapabilityImageGeneration {
		writeError(w, r, fmt.Errorf("%w: unknown capability %q", gateway.ErrValidation, capability))
		return
	}

	ctx, adm, err := s.deps.Authorizer.Authorize(r.Context(), credentials(r), capability)
	if err != nil {
		writeError(w, r, err)
		return
	}
	noteClient(r, adm.Client.ID)
	candidates, err := s.deps.Catalog.Permitted(ctx, adm.Client.ID, capability)
	if err != nil {
		writeError(w, r, err)
		return
	}

	data := make([]modelEntry, len(candidates))
	for i, c := range candidates {
		data[i] = modelEntry{
			Provider:   c.Provider.Name,
			Model:      c.Model.ModelName,
			Capability: c.Model.Capability,
			Priority:   c.Model.Priority,
			Pricing:    c.Model.Pricing,
			Limits:     c.Model.Limits,
			Features:   c.Model.Features,
		}
	}
	writeOK(w, data)
}
