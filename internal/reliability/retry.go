package reliability

import (
	"context"
	"log/slog"
	"time"
)

// Backoff is a schedule of retry delays. The zero value has no delays, so a
// Retry using it never retries.
type Backoff struct {
	steps   []time.Duration
	repeat  time.Duration
	forever bool
}

// Delays returns a finite schedule.
func Delays(steps ...time.Duration) Backoff {
	return Backoff{steps: append([]time.Duration(nil), steps...)}
}

// Forever returns a schedule that repeats d indefinitely.
func Forever(d time.Duration) Backoff {
	return Backoff{repeat: d, forever: true}
}

// ThenForever returns a copy of b that repeats d indefinitely once its own
// steps are used up.
func (b Backoff) ThenForever(d time.Duration) Backoff {
	return Backoff{
		steps:   append([]time.Duration(nil), b.steps...),
		repeat:  d,
		forever: true,
	}
}

// IsZero reports whether the schedule holds no delay at all.
func (b Backoff) IsZero() bool {
	return len(b.steps) == 0 && !b.forever
}

// Bounded reports whether the schedule eventually runs out.
func (b Backoff) Bounded() bool {
	return !b.forever
}

// Delay returns the delay to wait after the given failed attempt (0-based),
// or false when the schedule is exhausted.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < len(b.steps) {
		return b.steps[attempt], true
	}
	if b.forever {
		return b.repeat, true
	}
	return 0, false
}

// Retry executes an operation with retry logic.
type Retry struct {
	// Backoff is the delay schedule.
	Backoff Backoff

	// RetryIf selects retryable errors. Default: IsRetryable.
	RetryIf func(err error) bool

	// OnError is called after a retryable failure, before sleeping. A non-nil
	// return aborts the retry loop with that error.
	OnError func(ctx context.Context, err error) error

	// Op names the operation in log records.
	Op string

	Logger *slog.Logger
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// schedule is exhausted or ctx is done. In the first three cases the error
// from fn is returned as is.
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryIf := r.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !retryIf(err) {
			return err
		}

		delay, ok := r.Backoff.Delay(attempt)
		if !ok {
			return err
		}

		logger.Warn("retrying operation",
			"op", r.Op,
			"error", err,
			"attempt", attempt+1,
			"delay", delay,
		)

		if r.OnError != nil {
			if hookErr := r.OnError(ctx, err); hookErr != nil {
				return hookErr
			}
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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

// IsRetryable reports whether err should be retried by default. Errors that
// implement IsRetryable() decide for themselves; everything else is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
