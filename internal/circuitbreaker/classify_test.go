package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gateway "github.com/eugener/capgate/internal"
)

func TestWeight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		want       float64
		wantRecord bool
	}{
		{"nil", nil, 0, true},
		{"rate limited", fmt.Errorf("x: %w", gateway.ErrProviderRateLimited), 0.5, true},
		{"upstream", fmt.Errorf("x: %w", gateway.ErrUpstream), 1.0, true},
		{"auth", fmt.Errorf("x: %w", gateway.ErrProviderAuth), 1.0, true},
		{"network", fmt.Errorf("x: %w", gateway.ErrNetwork), 1.0, true},
		{"invalid request", fmt.Errorf("x: %w", gateway.ErrInvalidRequest), 0, true},
		{"deadline", fmt.Errorf("%w: %w", gateway.ErrNetwork, context.DeadlineExceeded), 1.5, true},
		{"canceled", fmt.Errorf("%w: %w", gateway.ErrNetwork, context.Canceled), 0, false},
		{"unknown", errors.New("boom"), 1.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, record := Weight(tt.err)
			if got != tt.want || record != tt.wantRecord {
				t.Errorf("Weight(%v) = (%v, %v), want (%v, %v)", tt.err, got, record, tt.want, tt.wantRecord)
			}
		})
	}
}
