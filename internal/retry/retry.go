// Package retry provides the bounded-attempt backoff helper used by storage
// API calls (spec: "retried up to 3 times; after that the task fails with an
// internal error"). It generalizes the ticker-and-stopCh background-loop
// shape of the teacher's token.TokenRefreshManager into a finite, awaited
// retry instead of an infinite keep-alive loop.
package retry

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts is the spec-mandated retry count for storage API calls.
const DefaultMaxAttempts = 3

// Do runs fn, retrying on error with exponential backoff up to maxAttempts
// total tries. It returns the last error wrapped with the attempt count once
// attempts are exhausted, or nil on the first success.
func Do(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fn(ctx)
	}, b)
	if err != nil {
		return fmt.Errorf("retry: exhausted %d attempt(s): %w", attempts, err)
	}
	return nil
}
