// Package server implements the HTTP transport layer for the capgate gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/admission"
	"github.com/eugener/capgate/internal/app"
	"github.com/eugener/capgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Orchestrator runs capability requests end to end.
type Orchestrator interface {
	GenerateText(ctx context.Context, creds app.Credentials, req *gateway.TextRequest) (*app.TextOutcome, error)
	GenerateTextStream(ctx context.Context, creds app.Credentials, req *gateway.TextRequest) (*app.Stream, error)
	GenerateImage(ctx context.Context, creds app.Credentials, req *gateway.ImageRequest) (*app.ImageOutcome, error)
}

// Authorizer runs the authentication and permission stages only.
type Authorizer interface {
	Authorize(ctx context.Context, creds admission.Credentials, capability string) (context.Context, *admission.Admission, error)
}

// Catalog lists the routes a client may use.
type Catalog interface {
	Permitted(ctx context.Context, clientID, capability string) ([]gateway.RouteCandidate, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Orchestrator   Orchestrator
	Authorizer     Authorizer
	Catalog        Catalog
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no HTTP metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.observe)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Credentials travel with each call; admission runs inside the
	// orchestrator so that it can see the request's cost estimate.
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/text/generation", s.handleTextGeneration)
		r.Post("/text/generation/stream", s.handleTextGenerationStream)
		r.Post("/image/generation", s.handleImageGeneration)
		r.Get("/models", s.handleListModels)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Code: "NOT_FOUND", Message: "route not found"})
	})

	return r
}

type server struct {
	deps Deps
}
