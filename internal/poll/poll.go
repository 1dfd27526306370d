// Package poll waits for an external condition, issuing the action that
// moves toward it at most once.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the condition is not reached in time.
var ErrTimeout = errors.New("condition not reached")

// Clock abstracts waiting so tests do not sleep.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Options tune Until.
type Options struct {
	// Interval between observations.
	Interval time.Duration
	// Timeout bounds the wait; zero waits until ctx is done.
	Timeout time.Duration
	// OnError receives errors of observations and of the action. They never
	// abort the wait.
	OnError func(error)
}

// Until observes done until it reports true. The first time it reports false,
// once is invoked; once is never invoked again during this wait, whether it
// succeeded or not. An error from done counts as "not yet".
func Until(ctx context.Context, clock Clock, opts Options, done func(context.Context) (bool, error), once func(context.Context) error) error {
	if clock == nil {
		clock = Real()
	}
	report := opts.OnError
	if report == nil {
		report = func(error) {}
	}
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		deadline = clock.After(opts.Timeout)
	}

	acted := false
	for {
		ok, err := done(ctx)
		if err != nil {
			report(err)
		}
		if ok && err == nil {
			return nil
		}
		if !acted && once != nil {
			acted = true
			if err := once(ctx); err != nil {
				report(err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
		case <-clock.After(opts.Interval):
		}
	}
}
