package pipe

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReaderState is the state machine of an InputReader. Transitions are
// monotonic toward Closed or Failed; no transition ever returns from
// Closed/Failed to an earlier state.
type ReaderState int

const (
	Initializing ReaderState = iota
	Opening
	Opened
	Reading
	Processing
	Closed
	Failed
)

func (s ReaderState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Opening:
		return "opening"
	case Opened:
		return "opened"
	case Reading:
		return "reading"
	case Processing:
		return "processing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// pipeReadPollTimeoutMs is the bounded timeout the reader goroutine uses
// while waiting for readability, purely so that Stop() requests are
// observed promptly. Spec intent is ~100ms; the historical source used a
// 300 microsecond tv_usec value, three orders of magnitude short of its
// own comment — that is treated as a defect here, not as authoritative.
const pipeReadPollTimeoutMs = 100

// InputReader is a concrete, capability-based reader: construction takes an
// open function (run once, on Start, to obtain the fd) and a process
// function (run once per successful non-empty read). This stands in for
// the historical abstract-base-class-with-virtual-hooks design: a small
// struct holding a couple of function values composes the same way
// without a protected-virtual-destructor hierarchy.
type InputReader struct {
	open    func() (*os.File, error)
	process func(buf []byte, n int)
	buf     []byte

	mu          sync.Mutex
	state       ReaderState
	f           *os.File
	fd          int
	closeReason string

	doneCh chan struct{}
}

// NewInputReader constructs a reader with the given capabilities. bufSize
// is the maximum number of bytes read per iteration; typical values are
// 64-4096 bytes.
func NewInputReader(open func() (*os.File, error), process func(buf []byte, n int), bufSize int) *InputReader {
	return &InputReader{
		open:    open,
		process: process,
		buf:     make([]byte, bufSize),
		state:   Initializing,
		doneCh:  make(chan struct{}),
	}
}

// State returns the reader's current state. Safe from any goroutine.
func (r *InputReader) State() ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the underlying file via the open hook and spawns the reader
// goroutine. It returns an error (leaving state Failed) iff the open
// failed.
func (r *InputReader) Start() error {
	r.mu.Lock()
	r.state = Opening
	r.mu.Unlock()

	f, err := r.open()
	if err != nil {
		r.mu.Lock()
		r.state = Failed
		r.mu.Unlock()
		return errors.Wrap(err, "failed to open reader fd")
	}

	r.mu.Lock()
	r.f = f
	r.fd = int(f.Fd())
	r.state = Opened
	r.mu.Unlock()

	go r.loop()
	return nil
}

// Done returns a channel that is closed once the reader goroutine has
// exited (state Closed or Failed).
func (r *InputReader) Done() <-chan struct{} { return r.doneCh }

// CloseReason reports why the reader stopped: "eof", an error string, or
// "stop requested". Only meaningful once State returns Closed or Failed.
func (r *InputReader) CloseReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeReason
}

// loop is the reader goroutine body. The state mutex is held across each
// read syscall (so a concurrent Stop cannot race a half-torn fd) but is
// released before invoking process, so that process is free to call Stop
// reentrantly without deadlocking against the mutex it would otherwise
// already hold.
func (r *InputReader) loop() {
	defer close(r.doneCh)

	for {
		r.mu.Lock()
		if r.state == Closed || r.state == Failed {
			r.mu.Unlock()
			return
		}
		r.state = Reading
		fd := r.fd
		r.mu.Unlock()

		n, pollErr := pollReadable(fd, pipeReadPollTimeoutMs)
		if pollErr != nil {
			if errors.Is(pollErr, unix.EINTR) {
				continue
			}
			r.mu.Lock()
			r.closeLockedNoUnlock(pollErr.Error())
			r.mu.Unlock()
			return
		}
		if n == 0 {
			// Timeout: no data yet. Loop so a pending Stop() is observed.
			continue
		}

		r.mu.Lock()
		if r.state == Closed || r.state == Failed {
			r.mu.Unlock()
			return
		}

		nread, readErr := unix.Read(fd, r.buf)
		if nread <= 0 {
			if readErr != nil && errors.Is(readErr, unix.EINTR) {
				r.mu.Unlock()
				continue
			}
			reason := "eof"
			if readErr != nil {
				reason = readErr.Error()
			}
			r.closeLockedNoUnlock(reason)
			r.mu.Unlock()
			return
		}

		r.state = Processing
		r.mu.Unlock()

		r.process(r.buf, nread)

		r.mu.Lock()
		if r.state == Processing {
			r.state = Reading
		}
		done := r.state == Closed || r.state == Failed
		r.mu.Unlock()
		if done {
			return
		}
	}
}

// Stop is safe to call from any goroutine, including reentrantly from
// within the process callback running on the reader goroutine itself: it
// acquires the state mutex (which the reader goroutine never holds while
// process runs), closes the fd and transitions to Closed; the loop's own
// re-check after process returns observes the new state and exits.
func (r *InputReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLockedNoUnlock("stop requested")
}

// closeLockedNoUnlock closes the fd and transitions to Closed, assuming the
// caller already holds r.mu. It is idempotent.
func (r *InputReader) closeLockedNoUnlock(reason string) {
	if r.state == Closed || r.state == Failed {
		return
	}
	if r.f != nil {
		for {
			err := r.f.Close()
			if err == nil || !errors.Is(err, unix.EINTR) {
				break
			}
		}
		r.f = nil
	}
	r.state = Closed
	r.closeReason = reason
}

// pollReadable waits up to timeoutMs for fd to become readable. It returns
// n > 0 if the fd is readable, n == 0 on timeout, and a non-nil error for
// anything else (EINTR is retried by the caller).
func pollReadable(fd int, timeoutMs int) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return 0, err
	}
	return n, nil
}
