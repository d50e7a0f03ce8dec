package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces out calls to a public API with a token bucket.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle allows one call every interval with the given burst. A zero
// interval disables throttling.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{lim: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a call is allowed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}
