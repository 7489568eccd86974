package pipe

import (
	"context"
	"sync"
	"time"

	"git.sunder.dev/daemonsup"
)

// AsyncInit is a one-shot latch around a potentially-blocking setup step.
// Start spawns exactly one worker goroutine running do; Wait blocks with a
// bounded timeout until the worker finishes; Cancel cancels the worker's
// context and marks the latch finished regardless of outcome, without
// waiting for the worker to return.
//
// It exists to sidestep open(2) on a FIFO's write end blocking until a
// reader arrives: the supervisor thread must never block on that, so the
// open happens on a worker with a bounded-time Wait available for callers
// that want to send immediately.
type AsyncInit struct {
	do func(ctx context.Context) error

	mu        sync.Mutex
	cond      *sync.Cond
	started   bool
	finished  bool
	succeeded bool
	canceled  bool
	cancel    context.CancelFunc
}

// NewAsyncInit builds a latch around do. do is expected to observe ctx
// cancellation where it can (e.g. between retries); see Cancel for the
// escape hatch used when the blocking call itself (open on a FIFO) cannot
// observe ctx.
func NewAsyncInit(do func(ctx context.Context) error) *AsyncInit {
	a := &AsyncInit{do: do}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Start spawns the worker if it has not already been started. It is
// idempotent: a second call while NotStarted->Running is a no-op, and a
// call after Cancel has fired returns ErrAsyncInitCanceled.
func (a *AsyncInit) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.canceled {
		return daemonsup.ErrAsyncInitCanceled
	}
	if a.started {
		return nil
	}
	a.started = true

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		err := a.do(ctx)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.finished {
			// Cancel already marked us finished; do not flip succeeded.
			return
		}
		a.finished = true
		a.succeeded = err == nil
		a.cond.Broadcast()
	}()

	return nil
}

// Wait blocks until the worker finishes or timeout elapses, whichever
// comes first, and reports whether it finished.
func (a *AsyncInit) Wait(timeout time.Duration) (finished bool) {
	deadline := time.Now().Add(timeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	for !a.finished {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitWithTimeout(a.cond, remaining)
	}
	return true
}

// Finished reports whether the worker has completed, successfully or not.
func (a *AsyncInit) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// Succeeded reports whether the worker completed without error. It is only
// meaningful once Finished returns true.
func (a *AsyncInit) Succeeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.succeeded
}

// Cancel cancels the worker's context and marks the latch finished
// (unsuccessfully) regardless of whether the worker's do observes the
// cancellation. Any subsequent Start is rejected. Cancel does not wait for
// the worker goroutine to return: a worker blocked in a context-blind
// syscall (like open(2) on a FIFO) keeps running until that call returns,
// and its result no longer changes Finished or Succeeded. pipe.Writer's
// Close unblocks such an open by opening a throwaway reader on the same
// path.
func (a *AsyncInit) Cancel() {
	a.mu.Lock()
	a.canceled = true
	if a.cancel != nil {
		a.cancel()
	}
	wasFinished := a.finished
	a.finished = true
	a.succeeded = false
	a.cond.Broadcast()
	a.mu.Unlock()

	_ = wasFinished
}

// waitWithTimeout blocks on cond for at most d, returning early either when
// the condition is broadcast or the timeout elapses. sync.Cond has no
// native timeout support, so we splice one in with a helper goroutine that
// performs the wake-up broadcast if the deadline fires first.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
