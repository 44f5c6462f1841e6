package instances

import (
	"context"
	"errors"
	"time"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/database"
)

var ErrAlreadyStarted = xerrors.New("instances: already started")

// Start launches the update loop in a new goroutine.
// The first cycle runs immediately and the next ones every interval.
func (i *Instances) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done != nil || i.stopped {
		return xerrors.WithStack(ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.loop(ctx, i.done)

	i.log.Info("Start instances update loop", zap.String("id", i.id), zap.Duration("interval", i.interval))
	return nil
}

func (i *Instances) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(i.interval)
	defer t.Stop()

	for {
		i.runCycle()

		// A tick that fired while the cycle was running is dropped instead of starting another cycle right away.
		select {
		case <-t.C:
			i.stat.SkipTick()
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// runCycle runs a cycle with its own deadline so that shutting down the loop does not interrupt it.
func (i *Instances) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), i.interval)
	defer cancel()

	if err := i.update(ctx); errors.Is(err, context.DeadlineExceeded) {
		i.log.Debug("Cycle did not finish within the interval", zap.Error(err))
	}
}

// Shutdown stops the update loop.
// It waits for the running cycle to finish until ctx is done.
// When the backend implements database.Leaver, the local record is deleted.
func (i *Instances) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	cancel, done := i.cancel, i.done
	i.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			i.log.Warn("Gave up waiting for the running cycle", zap.Error(ctx.Err()))
			return xerrors.WithStack(ctx.Err())
		}
	}

	if l, ok := i.backend.(database.Leaver); ok {
		// Hold the cycle so that a cycle started by Update does not publish the record again.
		if err := i.acquireCycle(ctx); err != nil {
			i.log.Warn("Gave up waiting for the running cycle", zap.Error(err))
			return err
		}
		defer i.releaseCycle()
		if err := l.Leave(ctx, i.id); err != nil {
			i.log.Warn("Failed to leave", zap.Error(err))
			return xerrors.WithStack(err)
		}
	}
	i.log.Info("Stopped instances update loop", zap.String("id", i.id))

	return nil
}
