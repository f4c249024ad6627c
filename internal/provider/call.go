package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/eugener/capgate/internal"
)

// retryBase is the first backoff interval between upstream attempts.
const retryBase = 200 * time.Millisecond

// Caller executes upstream HTTP calls for one provider, applying the
// per-decision timeout and retry policy and normalizing every failure
// into an *APIError.
type Caller struct {
	Provider string
	HTTP     *http.Client
	// Backoff overrides the retry schedule (tests). Nil uses exponential
	// backoff from retryBase.
	Backoff func() retry.Backoff
}

// RequestBuilder builds a fresh outbound request for one attempt.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Do sends the request built by build and hands a 200 response to decode.
// Each attempt is bounded by d.Timeout; transport errors, 5xx and 429 are
// retried up to d.Retries times. Decode failures are not retried.
func (c *Caller) Do(ctx context.Context, d *gateway.RoutingDecision, build RequestBuilder, decode func(*http.Response) error) error {
	return retry.Do(ctx, c.backoff(d.Retries), func(ctx context.Context) error {
		actx, cancel := withTimeout(ctx, d.Timeout)
		defer cancel()

		resp, err := c.send(actx, build)
		if err != nil {
			return c.retryable(ctx, err)
		}
		defer resp.Body.Close()

		if err := decode(resp); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return err
			}
			if actx.Err() != nil {
				return NetworkError(c.Provider, err)
			}
			return DecodeError(c.Provider, err)
		}
		return nil
	})
}

// Stream sends a streaming request. d.Timeout bounds only the wait for the
// response headers; once they arrive the body may stream indefinitely.
// The returned release func cancels the upstream request and must be called
// after the body has been consumed.
func (c *Caller) Stream(ctx context.Context, d *gateway.RoutingDecision, build RequestBuilder) (*http.Response, context.CancelFunc, error) {
	var (
		out     *http.Response
		release context.CancelFunc
	)
	err := retry.Do(ctx, c.backoff(d.Retries), func(ctx context.Context) error {
		sctx, cancel := context.WithCancel(ctx)
		var timedOut atomic.Bool
		var timer *time.Timer
		if d.Timeout > 0 {
			timer = time.AfterFunc(d.Timeout, func() {
				timedOut.Store(true)
				cancel()
			})
		}

		resp, err := c.send(sctx, build)
		if timer != nil && !timer.Stop() && err == nil {
			// Headers raced the deadline; treat as a timeout.
			resp.Body.Close()
			err = errors.New("deadline reached with response")
		}
		if err != nil {
			cancel()
			if timedOut.Load() {
				err = NetworkError(c.Provider,
					fmt.Errorf("waiting for response headers: %w", context.DeadlineExceeded))
			}
			return c.retryable(ctx, err)
		}
		out, release = resp, cancel
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, release, nil
}

// send performs one HTTP exchange. Non-200 responses are consumed and
// returned as *APIError.
func (c *Caller) send(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, RequestError(c.Provider, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, NetworkError(c.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ParseAPIError(c.Provider, resp)
	}
	return resp, nil
}

// retryable marks err for another attempt when the failure is transient
// and the caller is still waiting.
func (c *Caller) retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Retryable() {
		return retry.RetryableError(err)
	}
	return err
}

func (c *Caller) backoff(retries int) retry.Backoff {
	var b retry.Backoff
	if c.Backoff != nil {
		b = c.Backoff()
	} else {
		b = retry.WithJitterPercent(10, retry.NewExponential(retryBase))
	}
	return retry.WithMaxRetries(uint64(max(retries, 0)), b)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
