package transport

import (
	"context"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/avast/retry-go/v4"
)

// Defaults for RetryPolicy.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// RetryPolicy bounds how often a backend call failing with a transient error is repeated.
// Once the attempts are spent the last error is returned, still carrying its transient kind.
type RetryPolicy struct {
	// Attempts counts the first call. Values below one mean a single call.
	Attempts int
	Delay    time.Duration
	Metrics  *metrics.Metrics
}

// WithRetry replaces the retry policy of b.
func (b *Backend) WithRetry(policy RetryPolicy) *Backend {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	b.retry = policy
	return b
}

func doWithRetry[T any](ctx context.Context, b *Backend, op string, fn func() (T, error)) (T, error) {
	attempts := uint(b.retry.Attempts)
	return retry.DoWithData(
		func() (T, error) {
			if err := ctx.Err(); err != nil {
				var zero T
				return zero, err
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(b.retry.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(status.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			b.retry.Metrics.BackendRetried()
			b.logger.Info().Err(err).Str("op", op).Uint("attempt", n+1).Msg("Backend call failed, retrying.")
		}),
	)
}
