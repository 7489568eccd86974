package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"git.sunder.dev/daemonsup"
)

func resetLoopForTesting() {
	loopConstructed.Store(false)
	resetForTesting()
}

func TestNewPanicsOnSecondConstruction(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	cfg := Config{LockPath: filepath.Join(dir, "lock")}

	dl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dl.shutdown()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on second New() in the same process")
		}
	}()
	New(cfg)
}

func TestRunReturnsAlreadyRunningWhenLockHeld(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	holder := flockHolderForTesting(t, lockPath)
	defer holder()

	dl, err := New(Config{LockPath: lockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	code := dl.Run(nil, func() int { return 0 })
	if code != 5 {
		t.Fatalf("got exit code %d, want 5 (ExitAlreadyRunning)", code)
	}
}

func TestRunExitsImmediatelyIfTerminatedBeforeLock(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	cfg := Config{LockPath: filepath.Join(dir, "lock")}

	dl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	termState.Store(1)

	ranInit := false
	code := dl.Run(func() int { ranInit = true; return 0 }, func() int { return 0 })
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if ranInit {
		t.Fatal("init should not run when terminated before lock acquisition")
	}
}

func TestRunHonorsTimeout(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	cfg := Config{
		LockPath: filepath.Join(dir, "lock"),
		Timeout:  20 * time.Millisecond,
	}

	dl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	iterations := 0
	start := time.Now()
	code := dl.Run(nil, func() int {
		iterations++
		time.Sleep(time.Millisecond)
		return 0
	})
	elapsed := time.Since(start)

	if code != 0 {
		t.Fatalf("got exit code %d, want 0 on timeout", code)
	}
	if iterations == 0 {
		t.Fatal("action should have run at least once before the timeout fired")
	}
	if elapsed > time.Second {
		t.Fatalf("loop ran for %v, want it bounded by the configured timeout", elapsed)
	}
}

func TestRunWarnsOnUncleanPreviousRun(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")

	// Simulate a previous run that never reached its own shutdown path: a
	// lock-acquired event with no matching loop-exited event after it.
	if err := os.WriteFile(logPath, []byte(`{"time":"2026-01-01T00:00:00Z","type":"lock acquired","data":{"pid":1}}`+"\n"), 0600); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	dl, err := New(Config{
		LockPath:       filepath.Join(dir, "lock"),
		JournalLogPath: logPath,
		Journal:        &recordingJournal{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rj := dl.journal.(*recordingJournal)
	dl.Run(nil, func() int { return 1 })

	if !rj.sawUncleanWarning() {
		t.Fatal("expected an EventWarning about the unclean previous run")
	}
}

func TestNewFailsLoudlyOnBrokenLockDirectory(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	// A regular file where the lock path expects a directory component
	// makes MkdirAll fail: a configuration error, which must surface from
	// New itself rather than later from Run indistinguishable from
	// ordinary lock contention.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("seed blocker file: %v", err)
	}
	lockPath := filepath.Join(blocker, "sub", "daemon.lock")

	if _, err := New(Config{LockPath: lockPath}); err == nil {
		t.Fatal("expected New to fail on a lock path whose directory cannot be created")
	}
}

func TestRunJournalsPipeAndSignalLifecycle(t *testing.T) {
	resetLoopForTesting()
	defer resetLoopForTesting()

	dir := t.TempDir()
	writerPath := filepath.Join(dir, "from-daemon")
	rj := &recordingJournal{}

	dl, err := New(Config{
		LockPath:   filepath.Join(dir, "lock"),
		WriterPath: writerPath,
		Journal:    rj,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !rj.sawPipeOpened(writerPath) {
		t.Fatal("expected EventPipeOpened for the writer fifo during New")
	}

	termState.Store(1)
	code := dl.Run(nil, func() int { return 0 })
	if code != daemonsup.ExitSuccess {
		t.Fatalf("got exit code %d, want %d", code, daemonsup.ExitSuccess)
	}

	if !rj.sawSignalCaught() {
		t.Fatal("expected EventSignalCaught")
	}
	if !rj.sawPipeClosed(writerPath) {
		t.Fatal("expected EventPipeClosed for the writer fifo during shutdown")
	}
}

type recordingJournal struct {
	events []daemonsup.Event
}

func (r *recordingJournal) Write(ev daemonsup.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingJournal) sawUncleanWarning() bool {
	for _, ev := range r.events {
		if w, ok := ev.(*daemonsup.EventWarning); ok && w.Component == "supervisor" {
			return true
		}
	}
	return false
}

func (r *recordingJournal) sawSignalCaught() bool {
	for _, ev := range r.events {
		if _, ok := ev.(*daemonsup.EventSignalCaught); ok {
			return true
		}
	}
	return false
}

func (r *recordingJournal) sawPipeOpened(path string) bool {
	for _, ev := range r.events {
		if p, ok := ev.(*daemonsup.EventPipeOpened); ok && p.Path == path {
			return true
		}
	}
	return false
}

func (r *recordingJournal) sawPipeClosed(path string) bool {
	for _, ev := range r.events {
		if p, ok := ev.(*daemonsup.EventPipeClosed); ok && p.Path == path {
			return true
		}
	}
	return false
}

// flockHolderForTesting acquires path's flock in a helper process-local
// lock and returns a func to release it, letting a test simulate "another
// daemon instance already holds the lock" without spawning a real process.
func flockHolderForTesting(t *testing.T, path string) func() {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("flock: %v", err)
	}
	return func() { f.Close() }
}
