package helpers

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Retry is a fixed interval retry policy.
// Zero MaxAttempts means retry forever.
//
// Use scenario:
//   err := retry.Do(ctx, func(attempt int) (bool, error) {
//     err := op()
//     return err == nil, err
//   })
type Retry struct {
	Interval    time.Duration
	MaxAttempts int

	// Sleep is time.Sleep aware of ctx, replaceable in tests.
	// Must return ctx.Err() if ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("gave up after attempts=%d", e.Attempts)
	}
	return fmt.Sprintf("gave up after attempts=%d last=%v", e.Attempts, e.Last)
}

func IsExhausted(e error) bool {
	_, ok := errors.Cause(e).(*ExhaustedError)
	return ok
}

// Do calls op until it reports done, waiting Interval between calls.
// Errors returned by op are only carried into ExhaustedError.
func (r Retry) Do(ctx context.Context, op func(attempt int) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		done, err := op(attempt)
		if done {
			return nil
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
}

func (r Retry) Wait(ctx context.Context) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, r.Interval)
	}
	return SleepContext(ctx, r.Interval)
}

func SleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
