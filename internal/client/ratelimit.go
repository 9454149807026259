package client

import (
	"context"
	"fmt"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"golang.org/x/time/rate"
)

const defaultRateLimit = 300 // calls per minute (5 per second)

// RateLimitedTransport wraps a Transport with client-side rate limiting.
type RateLimitedTransport struct {
	transport Transport
	limiter   *rate.Limiter
}

// Compile-time check that RateLimitedTransport implements Transport.
var _ Transport = (*RateLimitedTransport)(nil)

// NewRateLimitedTransport creates a rate-limited transport wrapper.
// If callsPerMinute is 0 or negative, defaults to 300.
func NewRateLimitedTransport(transport Transport, callsPerMinute int) *RateLimitedTransport {
	if callsPerMinute <= 0 {
		callsPerMinute = defaultRateLimit
	}

	// Convert calls/minute to rate.Limiter parameters
	interval := time.Minute / time.Duration(callsPerMinute)
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	return &RateLimitedTransport{
		transport: transport,
		limiter:   limiter,
	}
}

// Do waits for the rate limiter (respecting ctx) and delegates. If the wait
// would outlast ctx's deadline it fails early with a *TimeoutError.
func (r *RateLimitedTransport) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			var timeout time.Duration
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			return nil, &TimeoutError{
				Method:   req.Method,
				Endpoint: req.Endpoint,
				Timeout:  timeout,
				Cause:    fmt.Errorf("rate limiter: %w", err),
			}
		}
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.transport.Do(ctx, req)
}
