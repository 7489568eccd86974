// Package controller implements the parent-side half of the supervision
// framework: forking and exec'ing the daemon binary, the two pipe
// endpoints mirrored against the daemon's own (see supervisor.Config), and
// graceful-then-forced termination.
//
// Grounded on the teacher repository's main.go process-lifecycle handling
// (fork, signal, wait) and visvasity-daemon's daemonizeParent for the
// fork/wait/kill-on-failure shape, retargeted from a single-shot daemonize
// helper to a long-lived controller object the parent keeps around for the
// life of the supervised daemon.
package controller

import (
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
	"git.sunder.dev/daemonsup/pipe"
	"git.sunder.dev/daemonsup/procexec"
)

// gracePeriod is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const gracePeriod = 2 * time.Second

// Config configures a Controller. ReaderPath/WriterPath are the parent's
// own FIFO endpoints, mirror-inverted relative to the daemon's
// supervisor.Config: the parent writes where the daemon reads, and reads
// where the daemon writes.
type Config struct {
	DaemonPath string
	Args       []string

	WriterPath string // parent writes here; empty disables
	ReaderPath string // parent reads here; empty disables
	BufferSize int

	Journal daemonsup.Journaler
}

// Controller owns the forked daemon process and both pipe endpoints on the
// parent's side. It is safe to construct at most once per daemon
// lifecycle; Start/Stop are not safe to call concurrently with each other.
type Controller struct {
	cfg     Config
	journal daemonsup.Journaler

	writer *pipe.Writer
	reader *pipe.Reader

	proc   procexec.Process
	exited atomic.Bool
	doneCh chan procexec.ExitStatus

	// launch defaults to procexec.Launch; tests override it to substitute
	// procexec.NewSleepProcess without forking a real binary.
	launch func(path string, argv []string, files [3]*os.File) (procexec.Process, error)
}

// New constructs a Controller, ensuring both FIFOs exist with the modes
// expected by the opposite end's supervisor.Config, but does not open or
// fork anything yet.
func New(cfg Config) (*Controller, error) {
	j := cfg.Journal
	if j == nil {
		j = daemonsup.NopJournaler{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	if cfg.WriterPath != "" {
		if err := pipe.EnsureFIFO(cfg.WriterPath, 0200); err != nil {
			return nil, errors.Wrap(err, "failed to ensure outbound fifo")
		}
	}
	if cfg.ReaderPath != "" {
		if err := pipe.EnsureFIFO(cfg.ReaderPath, 0400); err != nil {
			return nil, errors.Wrap(err, "failed to ensure inbound fifo")
		}
	}

	return &Controller{cfg: cfg, journal: j, launch: procexec.Launch}, nil
}

// Start opens both pipe endpoints asynchronously (so it never blocks on
// the fifo rendezvous with the not-yet-running daemon), then forks and
// execs the daemon binary. sink, if non-nil, receives every frame the
// daemon writes.
//
// Start is a no-op returning nil if the daemon is already running.
func (c *Controller) Start(sink func([]byte)) error {
	if c.proc != nil {
		return nil
	}

	if c.cfg.WriterPath != "" && c.writer == nil {
		c.writer = pipe.NewWriter(c.cfg.WriterPath)
		if err := c.writer.Open(); err != nil {
			return errors.Wrap(err, "failed to start outbound fifo open")
		}
	}
	if c.cfg.ReaderPath != "" && c.reader == nil {
		if sink == nil {
			sink = func([]byte) {}
		}
		c.reader = pipe.NewReader(c.cfg.ReaderPath, c.cfg.BufferSize, sink)
		if err := c.reader.Start(); err != nil {
			return errors.Wrap(err, "failed to start inbound fifo reader")
		}
	}

	// Fd sanitization happens on the daemon's own side, at the start of
	// supervisor.New (see procexec.SanitizeInheritedFDs), since os.StartProcess gives
	// this side no hook to run child code between fork and exec.
	proc, err := c.launch(c.cfg.DaemonPath, append([]string{c.cfg.DaemonPath}, c.cfg.Args...), [3]*os.File{})
	if err != nil {
		c.closePipes()
		return errors.Wrap(daemonsup.ErrExecFailed, err.Error())
	}

	c.proc = proc
	c.doneCh = make(chan procexec.ExitStatus, 1)
	go func() {
		status := proc.Wait()
		c.exited.Store(true)
		c.doneCh <- status
	}()

	c.journal.Write(&daemonsup.EventChildSpawned{PID: proc.PID()})
	return nil
}

// IsRunning reports whether the daemon process has been reaped yet. It is
// false both before Start and once the reaper goroutine has observed the
// daemon's exit.
func (c *Controller) IsRunning() bool {
	return c.proc != nil && !c.exited.Load()
}

// Message sends data to the daemon over the outbound pipe. It is a no-op
// returning nil if the outbound pipe was disabled or Start has not been
// called yet.
func (c *Controller) Message(data []byte) error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Send(data)
}

// Stop signals the daemon to terminate (SIGTERM), waits up to gracePeriod
// for it to exit on its own, then escalates to SIGKILL if it has not. It
// blocks until the daemon has been reaped, then closes both pipe
// endpoints. Stop is idempotent: calling it again after the daemon has
// already exited, or before Start, is a no-op returning a PID -1 event.
func (c *Controller) Stop() daemonsup.Event {
	defer c.closePipes()

	if c.proc == nil {
		return &daemonsup.EventChildExited{PID: -1}
	}
	proc, done := c.proc, c.doneCh
	c.proc = nil

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process may have already exited; fall through to Wait either way.
		c.journal.Write(&daemonsup.EventWarning{Component: "controller", Error: err.Error()})
	}

	var status procexec.ExitStatus
	select {
	case status = <-done:
	case <-time.After(gracePeriod):
		if err := proc.Kill(); err != nil {
			c.journal.Write(&daemonsup.EventWarning{Component: "controller", Error: err.Error()})
		}
		status = <-done
	}

	ev := &daemonsup.EventChildExited{PID: status.PID, ExitCode: status.Code}
	if status.Error != nil {
		ev.Error = status.Error.Error()
	}
	c.journal.Write(ev)
	return ev
}

func (c *Controller) closePipes() {
	if c.reader != nil {
		c.reader.Stop()
		c.reader = nil
	}
	if c.writer != nil {
		c.writer.Close()
		c.writer = nil
	}
}
