package engine

import (
	"context"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DefaultRetryDelay separates attempts when errorHandling.retryDelayMs is
// unset.
const DefaultRetryDelay = time.Second

// retryBudget returns how many times a failed step may be re-run under the
// retry strategy before the run fails with RETRY_EXHAUSTED.
func retryBudget(eh *flow.ErrorHandling) int {
	if eh == nil || eh.MaxRetries <= 0 {
		return flow.DefaultMaxRetries
	}
	return eh.MaxRetries
}

// retryDelay returns the wait between retry attempts.
func retryDelay(eh *flow.ErrorHandling) time.Duration {
	if eh == nil || eh.RetryDelayMs <= 0 {
		return DefaultRetryDelay
	}
	return time.Duration(eh.RetryDelayMs) * time.Millisecond
}

// sleepContext waits for d or until the context is cancelled, whichever
// comes first. Used for retry waits and delay steps, so cancelling a run
// never leaves a goroutine parked on a timer.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
