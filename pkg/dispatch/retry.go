package dispatch

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxTries is the total number of dispatch attempts per notification.
	MaxTries = 3
	// RetryDelayBase is the backoff before the second attempt; it doubles
	// for every further attempt.
	RetryDelayBase = 10 * time.Second
	// RetryDelayBaseQuota is the slower backoff base applied when the
	// provider reports a rate quota breach.
	RetryDelayBaseQuota = 60 * time.Second
)

// Attempt performs one dispatch try and reports the pushkeys rejected so
// far. Implementations carry their own cross-attempt state (for example the
// shrinking FCM batch) in their closure.
type Attempt func(ctx context.Context) ([]string, error)

// Retrier drives an Attempt up to Tries times with exponential backoff.
// Only *TemporaryError triggers another attempt; any other error, and
// success, return immediately. The zero value uses the package defaults.
type Retrier struct {
	Tries int
	Base  time.Duration
	// Sleep is swapped out by tests to observe the backoff schedule.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs attempt until it succeeds, fails permanently, or the tries are
// exhausted. Exhaustion surfaces as a *PermanentError wrapping the final
// temporary failure.
func (r *Retrier) Do(ctx context.Context, attempt Attempt) ([]string, error) {
	tries := r.Tries
	if tries <= 0 {
		tries = MaxTries
	}
	base := r.Base
	if base <= 0 {
		base = RetryDelayBase
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for i := 0; ; i++ {
		rejected, err := attempt(ctx)
		var temp *TemporaryError
		if err == nil || !errors.As(err, &temp) {
			return rejected, err
		}
		if i == tries-1 {
			return nil, Permanentf("retried too many times: %w", err)
		}
		delay := base << i
		if temp.BackoffBase > 0 {
			delay = temp.BackoffBase << i
		}
		if temp.RetryAfter > 0 {
			delay = temp.RetryAfter
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// SleepContext pauses for d or until ctx is cancelled, whichever comes
// first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
