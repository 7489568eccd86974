// Package supervisor implements the daemon-side main loop: installing the
// SIGTERM handler, acquiring the single-instance lock, running the
// self-audit security checks, and driving the embedding application's
// init/action callbacks under the liveness and timeout invariants.
package supervisor

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"git.sunder.dev/daemonsup"
)

// termState is a process-wide, three-valued atomic: -1 (handler not
// installed), 0 (installed), 1 (signal caught). It and the signal handler
// it backs are inherent to the UNIX signal model and must remain process
// globals; this file is the entire public surface that touches them, per
// the isolation design note in SPEC_FULL.md §4.7.
var termState atomic.Int32

func init() {
	termState.Store(-1)
}

// InstallHandler installs the process-wide SIGTERM handler exactly once.
// A second call in the same process is a programmer error and panics: the
// historical source treats double-install as fatal rather than silently
// ignoring it, since two live handlers racing to flip the same flag would
// be a sign the embedding application mismanaged its DaemonLoop lifetime.
func InstallHandler() {
	if !termState.CompareAndSwap(-1, 0) {
		panic(daemonsup.ErrHandlerAlreadyInstalled)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)

	go func() {
		<-ch
		// The handler only ever writes one atomic and takes no locks, so
		// it is safe to run on this goroutine regardless of what the rest
		// of the process is doing.
		termState.Store(1)
	}()
}

// WasTerminated reports whether the SIGTERM handler has observed the
// signal yet.
func WasTerminated() bool {
	return termState.Load() == 1
}

// resetForTesting exists only for tests in this package that need to
// construct more than one handler lifecycle in a single test binary.
func resetForTesting() {
	termState.Store(-1)
}
