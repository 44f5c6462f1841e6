package poll

import (
	"context"
	"errors"
	"time"

	"go.f110.dev/xerrors"
)

var (
	ErrTimedOut = xerrors.New("poll: timed out")
)

// ConditionFunc reports whether the awaited condition is met.
// A non-nil error stops polling and is returned to the caller as is.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Poller calls a condition periodically.
// Each call gets a context bounded by Interval.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	// Immediate makes the first call without waiting for Interval.
	Immediate bool
}

// Until blocks until cond is met.
func (p Poller) Until(ctx context.Context, cond ConditionFunc) error {
	if p.Immediate {
		if done, err := p.call(ctx, cond); done || err != nil {
			return err
		}
	}

	tick := time.NewTicker(p.Interval)
	defer tick.Stop()
	limit := time.NewTimer(p.Timeout)
	defer limit.Stop()
	for {
		select {
		case <-tick.C:
			if done, err := p.call(ctx, cond); done || err != nil {
				return err
			}
		case <-limit.C:
			return xerrors.WithStack(ErrTimedOut)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UntilSucceeded blocks until fn returns nil.
// Errors of fn are retried. When the timeout passes, the last error is attached to ErrTimedOut.
func (p Poller) UntilSucceeded(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	err := p.Until(ctx, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		return lastErr == nil, nil
	})
	if errors.Is(err, ErrTimedOut) && lastErr != nil {
		return xerrors.WithMessagef(err, "last error: %v", lastErr)
	}
	return err
}

func (p Poller) call(ctx context.Context, cond ConditionFunc) (bool, error) {
	fnCtx, cancel := context.WithTimeout(ctx, p.Interval)
	defer cancel()

	return cond(fnCtx)
}

func Poll(ctx context.Context, interval, timeout time.Duration, cond ConditionFunc) error {
	return Poller{Interval: interval, Timeout: timeout}.Until(ctx, cond)
}

func PollImmediate(ctx context.Context, interval, timeout time.Duration, cond ConditionFunc) error {
	return Poller{Interval: interval, Timeout: timeout, Immediate: true}.Until(ctx, cond)
}
