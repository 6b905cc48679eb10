// Package retry runs upstream calls with a fixed backoff and an overall deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when transient failures outlast the policy's timeout.
var ErrTimeout = errors.New("retry timeout")

// Policy configures Do.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPolicy waits 2s between attempts for at most a minute.
func DefaultPolicy() Policy {
	return Policy{Interval: 2 * time.Second, Timeout: time.Minute}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient anywhere in its chain.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Do calls fn until it succeeds, returns a non-transient error, or the policy
// timeout elapses. The last transient error is wrapped in ErrTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Interval <= 0 {
		p.Interval = DefaultPolicy().Interval
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy().Timeout
	}
	deadline := time.Now().Add(p.Timeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if time.Now().Add(p.Interval).After(deadline) {
			return fmt.Errorf("%w after %d attempts: %w", ErrTimeout, attempt, lastErr)
		}
		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
	}
}

// Poll calls check every interval until it reports done, returns an error, or
// timeout elapses. A timeout returns ErrTimeout.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: gave up after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}
