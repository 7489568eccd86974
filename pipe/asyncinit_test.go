package pipe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"git.sunder.dev/daemonsup"
)

func TestAsyncInitStartWaitSucceeds(t *testing.T) {
	a := NewAsyncInit(func(ctx context.Context) error { return nil })

	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Wait(time.Second) {
		t.Fatal("Wait timed out")
	}
	if !a.Succeeded() {
		t.Fatal("expected Succeeded to be true")
	}
}

func TestAsyncInitStartIsIdempotent(t *testing.T) {
	var runs int32
	a := NewAsyncInit(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	if err := a.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	a.Wait(time.Second)

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected exactly one worker run, got %d", got)
	}
}

func TestAsyncInitWaitTimesOutBeforeFinish(t *testing.T) {
	release := make(chan struct{})
	a := NewAsyncInit(func(ctx context.Context) error {
		<-release
		return nil
	})
	defer close(release)

	a.Start()
	if a.Wait(10 * time.Millisecond) {
		t.Fatal("expected Wait to time out before the worker finishes")
	}
}

func TestAsyncInitCancelRejectsFurtherStart(t *testing.T) {
	block := make(chan struct{})
	a := NewAsyncInit(func(ctx context.Context) error {
		<-ctx.Done()
		close(block)
		return ctx.Err()
	})

	a.Start()
	a.Cancel()

	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}

	if !a.Finished() {
		t.Fatal("expected Finished after Cancel")
	}
	if a.Succeeded() {
		t.Fatal("expected Succeeded to be false after Cancel")
	}

	if err := a.Start(); err != daemonsup.ErrAsyncInitCanceled {
		t.Fatalf("expected ErrAsyncInitCanceled, got %v", err)
	}
}
