package util

import (
	"context"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// RetryUntilDone calls fn until it succeeds or ctx is done. Failures are
// reported to onRetry with the attempt number; there is no attempt cap.
func RetryUntilDone(ctx context.Context, interval time.Duration, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	backoff := wait.Backoff{
		Duration: interval,
		Factor:   1,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
	}
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := fn(ctx); err != nil {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			return false, nil
		}
		return true, nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
