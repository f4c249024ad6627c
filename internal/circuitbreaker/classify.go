package circuitbreaker

import (
	"context"
	"errors"

	gateway "github.com/eugener/capgate/internal"
)

// Weight returns how much err counts against a provider, and whether the
// attempt should be recorded at all. Caller cancellations are not the
// provider's fault and are skipped.
//
//	timeout                    1.5
//	network, 5xx, auth         1.0
//	provider rate limit        0.5
//	rejected request (4xx)     0
func Weight(err error) (float64, bool) {
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, context.Canceled):
		return 0, false
	case errors.Is(err, context.DeadlineExceeded):
		return 1.5, true
	case errors.Is(err, gateway.ErrProviderRateLimited):
		return 0.5, true
	case errors.Is(err, gateway.ErrInvalidRequest):
		return 0, true
	default:
		return 1.0, true
	}
}
