package providers

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a hard per-call timeout and a token-bucket rate limit
// in front of any provider adapter call (§4.1: "Every adapter enforces: a
// hard per-call timeout; a token-bucket rate limiter with per-provider
// capacity").
type Limiter struct {
	bucket  *rate.Limiter
	timeout time.Duration
}

// NewLimiter builds a Limiter from the provider's configured RPS/burst
// and per-call timeout (pkg/config.ProviderConfig, pkg/config.StageConfig).
func NewLimiter(rps float64, burst int, timeout time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), burst), timeout: timeout}
}

// Call runs fn under the limiter's rate limit and timeout. It blocks
// until a token is available or ctx/the timeout expires, whichever comes
// first — a wait that itself counts as a suspension point for
// cancellation (§5).
func Call[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.bucket.Wait(callCtx); err != nil {
		return zero, Wrap(err, Classify(err))
	}

	result, err := fn(callCtx)
	if err != nil {
		return zero, Wrap(err, Classify(err))
	}
	return result, nil
}
