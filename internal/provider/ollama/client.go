// Package ollama provides the adapter for local Ollama instances through
// their OpenAI-compatible endpoint. Local models carry no key and no image
// generation.
package ollama

import (
	"net/http"
	"strings"

	"github.com/eugener/capgate/internal/provider/openai"
)

// DefaultBaseURL is the default local Ollama address.
const DefaultBaseURL = "http://localhost:11434"

// New creates an Ollama adapter registered under name. baseURL and routed
// endpoints are Ollama roots; the OpenAI-compatible "/v1" suffix is added
// when missing.
func New(name, baseURL string, client *http.Client) *openai.Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New(name, baseURL, client, openai.WithoutImages(), openai.WithEndpoint(compatURL))
}

func compatURL(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
