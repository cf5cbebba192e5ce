package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried.
type IsTransientFunc func(error) bool

// Do executes fn with retries per policy, built on failsafe-go's
// retrypolicy — the same generic retry-policy construct the resilience
// pack's HTTP client builds its own 5xx/network-error retry policy around,
// minus the circuit breaker and HTTP transport coupling this concern
// doesn't need.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	rp := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithMaxRetries(maxRetries).
		Build()

	executor := failsafe.NewExecutor[any](rp).WithContext(ctx)
	return executor.Run(func() error {
		return fn()
	})
}
