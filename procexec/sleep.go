package procexec

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// exitPending marks a sleepProcess that has neither timed out nor been
// signaled yet.
const exitPending int32 = -2

// sleepProcess is a fake Process standing in for a forked daemon in
// controller/supervisor tests: it never execs anything, just idles behind
// a timer until killed, signaled, or the timer fires on its own. Grounded
// on cronmon/exec/sleep.go's NewSleepProcess, extended to recognize the
// SIGTERM/SIGKILL pair the controller actually sends rather than
// os.Interrupt/os.Kill alone.
type sleepProcess struct {
	once     sync.Once
	stopped  chan struct{}
	deadline *time.Timer
	graceful time.Duration

	pid      int
	exitCode int32
}

// NewSleepProcess builds a process that exits on its own after dura unless
// signaled first. graceful, when positive, delays a non-kill signal's
// effect by that long, simulating a daemon that runs its own cleanup
// before actually exiting — long enough to let a test observe an
// escalation to Kill if the caller's own grace period is shorter.
func NewSleepProcess(dura, graceful time.Duration, pid int) Process {
	return &sleepProcess{
		stopped:  make(chan struct{}),
		deadline: time.NewTimer(dura),
		graceful: graceful,
		pid:      pid,
		exitCode: exitPending,
	}
}

func (mock *sleepProcess) PID() int { return mock.pid }

// signalExitCode maps the two signals a real Controller ever sends to the
// status Wait should report, or ok=false for anything else.
func signalExitCode(sig os.Signal) (code int32, ok bool) {
	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		return 0, true
	case os.Kill, syscall.SIGKILL:
		return -1, true
	default:
		return 0, false
	}
}

func (mock *sleepProcess) Signal(sig os.Signal) error {
	code, ok := signalExitCode(sig)
	if !ok {
		return errors.New("unknown signal")
	}

	go func() {
		if mock.graceful > 0 && sig != os.Kill {
			select {
			case <-time.After(mock.graceful):
			case <-mock.stopped:
				return
			}
		}

		if !atomic.CompareAndSwapInt32(&mock.exitCode, exitPending, code) {
			return
		}
		close(mock.stopped)
		mock.deadline.Stop()
	}()

	return nil
}

func (mock *sleepProcess) Kill() error {
	return mock.Signal(os.Kill)
}

func (mock *sleepProcess) Wait() ExitStatus {
	mock.once.Do(func() {
		select {
		case <-mock.stopped:
		case <-mock.deadline.C:
			atomic.StoreInt32(&mock.exitCode, 0)
		}
	})

	return ExitStatus{PID: mock.pid, Code: int(atomic.LoadInt32(&mock.exitCode))}
}
