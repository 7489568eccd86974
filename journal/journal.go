// Package journal provides a file-backed implementation of daemonsup's
// Journaler, and the single-instance advisory lock used to guarantee at
// most one daemon process runs against a given lock path at a time.
//
// Grounded on the teacher repository's cronmon/journal package: the same
// line-delimited-JSON-over-a-flock'd-file idiom, retargeted from cronmon's
// process-list events to the supervision-domain events in daemonsup.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
)

// entry is the on-disk JSON envelope for one journaled event.
type entry struct {
	Time time.Time       `json:"time"`
	Type string          `json:"type"`
	Data daemonsup.Event `json:"data"`
}

// Writer is a journaler that appends line-delimited JSON events to w.
// Writes are serialized by the caller's own synchronization; callers that
// need concurrency safety should wrap w (e.g. an *os.File opened O_APPEND
// gets atomic individual writes from the kernel for writes under PIPE_BUF,
// but this Writer additionally guards against interleaved partial writes
// from concurrent goroutines with its own mutex-free single bytes.Buffer
// flush per call).
type Writer struct {
	w io.Writer
}

var _ daemonsup.Journaler = Writer{}

// NewWriter creates a journal writer over w.
func NewWriter(w io.Writer) Writer { return Writer{w} }

// Write encodes ev as one line of JSON and appends it to the underlying
// writer.
func (jw Writer) Write(ev daemonsup.Event) error {
	e := entry{Time: time.Now(), Type: ev.Type(), Data: ev}

	buf := bytes.Buffer{}
	buf.Grow(512)
	if err := json.NewEncoder(&buf).Encode(e); err != nil {
		return errors.Wrap(err, "failed to marshal journal entry")
	}

	if _, err := jw.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write journal entry")
	}
	return nil
}

// LockFile is the daemon's single-instance advisory lock: a plain flock(2)
// exclusive, non-blocking lock on a path, acquired in one atomic call. The
// historical source probed with F_GETLK then took the lock with F_SETLKW,
// a non-atomic two-step sequence a second process could win the race
// against; this type only ever calls the single atomic TryLock, so that
// race cannot occur (see SPEC_FULL.md §9 and DESIGN.md for the Open
// Question this resolves).
type LockFile struct {
	path string
	lock *flock.Flock
}

// NewLockFile prepares a lock for path without acquiring it yet. Parent
// directories are created on Acquire, not here.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path, lock: flock.New(path)}
}

// EnsureDir creates path's parent directory if needed, without touching the
// lock itself. Split out of Acquire so a caller can fail loudly on a
// misconfigured lock path at construction time — a configuration error, in
// spec terms — rather than have it surface at Acquire time indistinguishable
// from ordinary lock contention.
func (l *LockFile) EnsureDir() error {
	return errors.Wrap(os.MkdirAll(filepath.Dir(l.path), 0750), "failed to create lock directory")
}

// Acquire creates path's parent directories if needed and attempts the
// exclusive non-blocking lock in one atomic flock(2) call. It returns
// daemonsup.ErrDaemonAlreadyRunning if another process already holds it.
func (l *LockFile) Acquire() error {
	if err := l.EnsureDir(); err != nil {
		return err
	}

	locked, err := l.lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "failed to attempt lock")
	}
	if !locked {
		return daemonsup.ErrDaemonAlreadyRunning
	}
	return nil
}

// AcquireContext is like Acquire but retries until ctx is done, useful for
// tests or tooling that wants to wait rather than fail fast.
func (l *LockFile) AcquireContext(ctx context.Context) error {
	if err := l.EnsureDir(); err != nil {
		return err
	}

	locked, err := l.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return errors.Wrap(err, "failed to attempt lock")
	}
	if !locked {
		return daemonsup.ErrDaemonAlreadyRunning
	}
	return nil
}

// Release releases the lock. It is safe to call on an unacquired lock.
func (l *LockFile) Release() error {
	return errors.Wrap(l.lock.Unlock(), "failed to release lock")
}

// FileJournal combines a LockFile with a line-delimited-JSON event log
// opened at its own, separately given path, so that the lock path itself
// stays a zero-byte sentinel while the actual history survives lock
// release.
type FileJournal struct {
	Writer
	lock *LockFile
	f    *os.File
}

// NewFileJournal acquires lockPath's LockFile and opens logPath for
// appending. If the lock is already held, it returns
// daemonsup.ErrDaemonAlreadyRunning and logPath is never touched.
func NewFileJournal(lockPath, logPath string) (*FileJournal, error) {
	lock := NewLockFile(lockPath)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		lock.Release()
		return nil, errors.Wrap(err, "failed to create journal directory")
	}

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		lock.Release()
		return nil, errors.Wrap(err, "failed to open journal log")
	}

	return &FileJournal{
		Writer: NewWriter(f),
		lock:   lock,
		f:      f,
	}, nil
}

// File returns the underlying log file, e.g. to hand to a Reader for
// backward scanning.
func (fj *FileJournal) File() *os.File { return fj.f }

// Close closes the log file and releases the lock.
func (fj *FileJournal) Close() error {
	closeErr := fj.f.Close()
	lockErr := fj.lock.Release()
	if closeErr != nil {
		return errors.Wrap(closeErr, "failed to close journal log")
	}
	return lockErr
}
