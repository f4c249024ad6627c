package provider

import (
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, false)
	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.DialContext != nil {
		t.Error("DialContext should be nil when resolver is nil")
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should follow the flag")
	}

	tr = NewTransport(&dnscache.Resolver{}, true)
	if tr.DialContext == nil {
		t.Error("DialContext should be set when resolver is non-nil")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	c := NewHTTPClient(nil, true)
	if c.Timeout != 0 {
		t.Errorf("client timeout = %v, want 0 (deadlines come from contexts)", c.Timeout)
	}
	if c.Transport == nil {
		t.Error("transport not set")
	}
}
