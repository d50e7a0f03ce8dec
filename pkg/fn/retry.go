package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff describes capped exponential retry with jitter.
type Backoff struct {
	Attempts int           // total calls, minimum 1
	Base     time.Duration // first wait
	Cap      time.Duration // zero means uncapped
	// Retryable reports whether err deserves another attempt. Nil retries
	// every error.
	Retryable func(error) bool
}

func (b Backoff) wait(attempt int) time.Duration {
	d := b.Base << attempt
	if b.Cap > 0 && (d > b.Cap || d < b.Base) {
		d = b.Cap
	}
	// 50% to 150% of the nominal wait.
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// Retry calls f until it succeeds, the attempts run out, the error is not
// retryable or ctx is done. The last result is returned.
func Retry[T any](ctx context.Context, b Backoff, f func(context.Context) Result[T]) Result[T] {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var r Result[T]
	for attempt := 0; ; attempt++ {
		r = f(ctx)
		if r.ok || attempt == b.Attempts-1 {
			return r
		}
		if b.Retryable != nil && !b.Retryable(r.err) {
			return r
		}
		t := time.NewTimer(b.wait(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
}
