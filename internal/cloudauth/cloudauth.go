// Package cloudauth applies upstream credentials to outbound provider
// requests: static vendor keys resolved per routing decision, and GCP
// OAuth for Gemini deployments without a key.
package cloudauth

import "net/http"

// KeyStyle describes how a vendor expects its API key on the wire.
type KeyStyle struct {
	Header string
	Prefix string
}

// Vendor key styles.
var (
	Bearer    = KeyStyle{Header: "Authorization", Prefix: "Bearer "}
	XAPIKey   = KeyStyle{Header: "x-api-key"}
	GoogleKey = KeyStyle{Header: "x-goog-api-key"}
)

// Apply sets the key header on r. An empty key leaves r untouched so a
// transport further down the chain can supply credentials.
func (s KeyStyle) Apply(r *http.Request, key string) {
	if key == "" {
		return
	}
	r.Header.Set(s.Header, s.Prefix+key)
}

// HasCredentials reports whether r already carries a key in any of the
// known vendor styles.
func HasCredentials(r *http.Request) bool {
	for _, s := range []KeyStyle{Bearer, XAPIKey, GoogleKey} {
		if r.Header.Get(s.Header) != "" {
			return true
		}
	}
	return false
}
