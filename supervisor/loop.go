package supervisor

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
	"git.sunder.dev/daemonsup/journal"
	"git.sunder.dev/daemonsup/pipe"
	"git.sunder.dev/daemonsup/procexec"
	"git.sunder.dev/daemonsup/security"
)

// loopConstructed enforces the "at most one live DaemonLoop instance per
// process" invariant; a second New() call is a fatal programmer error.
var loopConstructed atomic.Bool

// Config configures a DaemonLoop. ReaderPath/WriterPath are the daemon's
// own FIFO endpoints — mirror-inverted relative to the parent's: the
// daemon reads where the parent writes, and writes where the parent
// reads.
type Config struct {
	ReaderPath string // empty disables the inbound pipe
	WriterPath string // empty disables the outbound pipe
	BufferSize int     // PipeReader frame buffer size; defaults to 4096

	LockPath string // empty disables the single-instance lock

	// JournalLogPath, if set, is scanned backward via journal.ReadLastRun
	// before the lock is acquired, purely to detect and warn about an
	// unclean previous shutdown. It is never required to exist.
	JournalLogPath string

	Journal daemonsup.Journaler // defaults to daemonsup.NopJournaler{} if nil

	// Pinned and Checks configure the self-audit security monitor, run by
	// Run right after the lock is acquired. A zero Checks disables every check, in which case
	// Monitor construction failures (e.g. an unreadable /proc entry) are
	// also skipped.
	Pinned security.PinnedPaths
	Checks security.Checks

	// Timeout, if non-zero, is the wall-clock duration after which the
	// next main-loop iteration check returns ExitSuccess regardless of
	// what action() would have returned.
	Timeout time.Duration

	// WatchDirs, if non-empty, are passed to security.NewDirWatcher for a
	// continuous tamper watch alongside the point-in-time security audit.
	WatchDirs []string

	// HandleParentMessage, if set, is invoked from the reader goroutine for
	// every frame received on ReaderPath. It runs concurrently with
	// action(); synchronizing domain state between them is the caller's
	// responsibility, the framework does no queuing.
	HandleParentMessage func([]byte)
}

// DaemonLoop owns the lock file, the security monitor, the two pipe
// endpoints and the main iteration loop. It must be constructed at most
// once per process.
type DaemonLoop struct {
	cfg Config

	lock    *journal.LockFile
	journal daemonsup.Journaler
	monitor *security.Monitor

	// fdSanitizeErr holds the outcome of the fd-sanitization step run at
	// the top of New, before any pipe or lock fd is opened. Run reports it
	// as the very first thing it does, via ExitFDCleanupFailed.
	fdSanitizeErr error

	reader *pipe.Reader
	writer *pipe.Writer

	watchCancel context.CancelFunc

	running atomic.Bool
	loopStart time.Time
}

// New constructs a DaemonLoop, opening the daemon's reader (if configured)
// and pre-arming the writer's async open (if configured) — neither blocks.
// It installs the SIGTERM handler. A second call to New in the same
// process panics.
func New(cfg Config) (*DaemonLoop, error) {
	if !loopConstructed.CompareAndSwap(false, true) {
		panic(daemonsup.ErrLoopAlreadyConstructed)
	}

	// The historical source sanitizes inherited file descriptors in the
	// child between fork and exec, before the child touches any resource
	// of its own; os.StartProcess gives Go no hook there, so the daemon
	// runs this on itself here, before New opens a single fd of its own
	// (the fifo pair, the lock file). A failure here is fatal and reported
	// through Run as ExitFDCleanupFailed, but must not stop constructing a
	// DaemonLoop the caller can still call Run on to observe that code.
	fdErr := procexec.SanitizeInheritedFDs()

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	j := cfg.Journal
	if j == nil {
		j = daemonsup.NopJournaler{}
	}

	dl := &DaemonLoop{cfg: cfg, journal: j, fdSanitizeErr: fdErr}

	if fdErr != nil {
		InstallHandler()
		return dl, nil
	}

	if cfg.LockPath != "" {
		dl.lock = journal.NewLockFile(cfg.LockPath)
		// A broken lock directory is a configuration error (spec.md §7's
		// category (a)): fail loudly here, at construction, rather than
		// have it surface from Run's Acquire call indistinguishable from
		// ordinary lock contention.
		if err := dl.lock.EnsureDir(); err != nil {
			return nil, errors.Wrap(err, "failed to prepare lock directory")
		}
	}

	if cfg.Checks != (security.Checks{}) {
		monitor, err := security.NewMonitor(cfg.Pinned, cfg.Checks)
		if err != nil {
			return nil, errors.Wrap(err, "failed to construct security monitor")
		}
		dl.monitor = monitor
	}

	if cfg.WriterPath != "" {
		// Same fifo as the controller's ReaderPath, with the same mode.
		if err := pipe.EnsureFIFO(cfg.WriterPath, 0400); err != nil {
			return nil, errors.Wrap(err, "failed to ensure outbound fifo")
		}
		dl.writer = pipe.NewWriter(cfg.WriterPath)
		if err := dl.writer.Open(); err != nil {
			return nil, errors.Wrap(err, "failed to start outbound fifo open")
		}
		j.Write(&daemonsup.EventPipeOpened{Path: cfg.WriterPath, Direction: daemonsup.WriteOnly.String()})
	}

	if cfg.ReaderPath != "" {
		// Same fifo as the controller's WriterPath, with the same mode.
		if err := pipe.EnsureFIFO(cfg.ReaderPath, 0200); err != nil {
			return nil, errors.Wrap(err, "failed to ensure inbound fifo")
		}
		sink := cfg.HandleParentMessage
		if sink == nil {
			sink = func([]byte) {}
		}
		dl.reader = pipe.NewReader(cfg.ReaderPath, cfg.BufferSize, sink)
		if err := dl.reader.Start(); err != nil {
			return nil, errors.Wrap(err, "failed to start inbound fifo reader")
		}
		j.Write(&daemonsup.EventPipeOpened{Path: cfg.ReaderPath, Direction: daemonsup.ReadOnly.String()})
	}

	InstallHandler()

	if len(cfg.WatchDirs) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := security.NewDirWatcher(ctx, j, cfg.WatchDirs...); err != nil {
			j.Write(&daemonsup.EventWarning{Component: "supervisor", Error: err.Error()})
			cancel()
		} else {
			dl.watchCancel = cancel
		}
	}

	return dl, nil
}

// MessageParent forwards data to the outbound pipe, if configured. It is a
// no-op returning nil if the outbound pipe was disabled.
func (dl *DaemonLoop) MessageParent(data []byte) error {
	if dl.writer == nil {
		return nil
	}
	return dl.writer.Send(data)
}

// Run is the loop's entry point, implementing spec.md §4.7 steps 1-8.
func (dl *DaemonLoop) Run(initFn func() int, action func() int) int {
	if !dl.running.CompareAndSwap(false, true) {
		return daemonsup.ExitAlreadyRunning
	}
	defer dl.running.Store(false)
	defer dl.shutdown()

	if dl.fdSanitizeErr != nil {
		dl.journal.Write(&daemonsup.EventWarning{Component: "supervisor", Error: dl.fdSanitizeErr.Error()})
		return dl.finish(daemonsup.ExitFDCleanupFailed, "failed to sanitize inherited file descriptors")
	}

	if WasTerminated() {
		dl.journal.Write(&daemonsup.EventSignalCaught{Signal: "SIGTERM"})
		return dl.finish(daemonsup.ExitSuccess, "terminated before lock acquisition")
	}

	dl.warnIfPreviousRunUnclean()

	if dl.lock != nil {
		if err := dl.lock.Acquire(); err != nil {
			if errors.Is(err, daemonsup.ErrDaemonAlreadyRunning) {
				return dl.finish(daemonsup.ExitAlreadyRunning, "lock already held")
			}
			// EnsureDir already ran once at New time, so reaching here
			// means the directory or lock file changed out from under the
			// process between construction and Run — rare, but still not
			// contention, so it gets its own journal entry rather than
			// being silently folded into the "already held" reason above.
			dl.journal.Write(&daemonsup.EventWarning{Component: "supervisor", Error: err.Error()})
			return dl.finish(daemonsup.ExitAlreadyRunning, "failed to acquire lock: "+err.Error())
		}
		dl.journal.Write(&daemonsup.EventLockAcquired{PID: os.Getpid()})
	}

	if dl.monitor != nil {
		if code := dl.monitor.Run(dl.journal); code != daemonsup.ExitSuccess {
			return dl.finish(code, "security check failed")
		}
	}

	if WasTerminated() {
		dl.journal.Write(&daemonsup.EventSignalCaught{Signal: "SIGTERM"})
		return dl.finish(daemonsup.ExitSuccess, "terminated after security checks")
	}

	if initFn != nil {
		if code := initFn(); code != 0 {
			return dl.finish(code, "init returned non-zero")
		}
	}

	dl.loopStart = time.Now()

	for {
		if WasTerminated() {
			dl.journal.Write(&daemonsup.EventSignalCaught{Signal: "SIGTERM"})
			return dl.finish(daemonsup.ExitSuccess, "signal caught")
		}
		if dl.cfg.Checks.ParentProcessRunning && dl.monitor != nil {
			if !dl.monitor.ParentProcessRunning() {
				return dl.finish(daemonsup.ExitParentEnded, "parent process ended")
			}
		}
		if dl.cfg.Timeout > 0 && time.Since(dl.loopStart) >= dl.cfg.Timeout {
			return dl.finish(daemonsup.ExitSuccess, "timeout elapsed")
		}

		code := action()
		if code != 0 {
			return dl.finish(code, "action returned non-zero")
		}
	}
}

// warnIfPreviousRunUnclean scans the configured journal log backward for
// the prior run's terminal event, purely to journal an EventWarning when
// it is missing (e.g. the daemon was SIGKILLed last time). It never fails
// or delays startup: an unreadable or nonexistent log is silently skipped.
func (dl *DaemonLoop) warnIfPreviousRunUnclean() {
	if dl.cfg.JournalLogPath == "" {
		return
	}
	f, err := os.Open(dl.cfg.JournalLogPath)
	if err != nil {
		return
	}
	defer f.Close()

	last, err := journal.ReadLastRun(f)
	if err != nil || last.Clean {
		return
	}
	dl.journal.Write(&daemonsup.EventWarning{
		Component: "supervisor",
		Error:     "previous run did not reach its own shutdown path",
	})
}

func (dl *DaemonLoop) finish(code int, reason string) int {
	dl.journal.Write(&daemonsup.EventLoopExited{ExitCode: code, Reason: reason})
	return code
}

func (dl *DaemonLoop) shutdown() {
	if dl.reader != nil {
		dl.reader.Stop()
		dl.journal.Write(&daemonsup.EventPipeClosed{
			Path:   dl.cfg.ReaderPath,
			Reason: dl.reader.CloseReason(),
			Failed: dl.reader.State() == pipe.Failed,
		})
	}
	if dl.writer != nil {
		err := dl.writer.Close()
		ev := &daemonsup.EventPipeClosed{Path: dl.cfg.WriterPath, Failed: err != nil}
		if err != nil {
			ev.Reason = err.Error()
		}
		dl.journal.Write(ev)
	}
	if dl.watchCancel != nil {
		dl.watchCancel()
	}
	if dl.lock != nil {
		dl.lock.Release()
	}
}
