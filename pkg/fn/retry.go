package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry waits for a dependency for roughly a minute.
var DefaultRetry = RetryOpts{
	MaxAttempts: 8,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     15 * time.Second,
	Jitter:      true,
}

// Retry calls f until it succeeds, MaxAttempts is reached or ctx is done,
// doubling the wait between attempts up to MaxWait. The last failed Result is
// returned; a cancelled ctx returns ctx.Err().
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var result Result[T]
	for attempt := 1; ; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == opts.MaxAttempts {
			return result
		}

		t := time.NewTimer(opts.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// InitialWait doubled per attempt, jittered, capped at MaxWait.
func (o RetryOpts) Backoff(attempt int) time.Duration {
	wait := o.InitialWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if o.MaxWait > 0 && wait >= o.MaxWait {
			wait = o.MaxWait
			break
		}
	}
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 {
		wait = min(wait, o.MaxWait)
	}
	return wait
}
