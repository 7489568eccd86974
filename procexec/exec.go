// Package procexec provides the process-launch primitive used by the
// parent-side controller: starting the daemon binary with the Linux
// subreaper/Pdeathsig safety net, and sanitizing inherited file
// descriptors in the child before exec.
//
// Grounded on the teacher repository's cronmon/exec package (Process
// interface, StartProcess's Prctl(PR_SET_CHILD_SUBREAPER) + Pdeathsig) and
// hyperhq-runv/daemon.go's /proc/self/fd enumeration for fd sanitization.
package procexec

import (
	"os"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a launched child process, abstracted so tests can
// substitute a fake without spawning anything.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Wait() ExitStatus
}

// ExitStatus is a process' terminal status.
type ExitStatus struct {
	PID   int
	Code  int // -1 if terminated by a signal rather than a normal exit
	Error error
}

type osProcess struct {
	*os.Process
}

var _ Process = osProcess{}

func (p osProcess) PID() int { return p.Pid }

// Wait blocks until the process exits. It must be called on the same
// goroutine that called Launch, since Launch locks the OS thread for
// Pdeathsig correctness (see https://github.com/golang/go/issues/27505)
// and Wait is what releases that lock.
func (p osProcess) Wait() ExitStatus {
	s, err := p.Process.Wait()
	runtime.UnlockOSThread()

	code := -1
	if s != nil {
		code = s.ExitCode()
	}
	return ExitStatus{PID: p.Pid, Code: code, Error: err}
}

// Launch starts the binary at path with argv as its argument vector
// (argv[0] included). On Linux it marks the
// current thread as a child subreaper before forking, so that any
// grandchildren the daemon itself spawns are reparented to this controller
// rather than orphaned to PID 1 where they would escape supervision; the
// child additionally carries Pdeathsig so it is sent SIGTERM if the thread
// that launched it dies ungracefully, as a backstop beneath the
// controller's own explicit Stop().
//
// files, if non-nil, are inherited by the child at fds 0, 1, 2 in order;
// a nil entry maps to this process' own stdin, stdout or stderr.
func Launch(path string, argv []string, files [3]*os.File) (Process, error) {
	runtime.LockOSThread()

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "failed to set subreaper")
	}

	resolved := [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, f := range files {
		if f != nil {
			resolved[i] = f
		}
	}

	attr := &os.ProcAttr{
		Files: []*os.File{resolved[0], resolved[1], resolved[2]},
		Sys: &unix.SysProcAttr{
			Pdeathsig: unix.SIGTERM,
		},
	}

	p, err := os.StartProcess(path, argv, attr)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "failed to start process")
	}
	return osProcess{p}, nil
}

// SanitizeInheritedFDs closes every open file descriptor except stdin,
// stdout, stderr and the /proc/self/fd directory handle used to enumerate
// them. The historical source runs this between fork and exec, in the
// child, before the child has any code of its own; os.StartProcess gives
// Go no such hook, so the daemon instead calls this on itself from
// supervisor.New, before New opens its fifo pair or lock file. Any descriptor inherited across the fork — sockets, regular files,
// other FIFOs the controller itself never opened — is a confused-deputy
// escalation path the daemon closes on its own behalf.
func SanitizeInheritedFDs() error {
	dir, err := os.Open("/proc/self/fd")
	if err != nil {
		return errors.Wrap(err, "failed to open /proc/self/fd")
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return errors.Wrap(err, "failed to enumerate /proc/self/fd")
	}

	dirFd := int(dir.Fd())

	for _, name := range names {
		fd, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if fd == 0 || fd == 1 || fd == 2 || fd == dirFd {
			continue
		}
		// Best-effort: EBADF means it was already closed (e.g. raced by
		// the runtime), which is not a sanitization failure.
		if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
			return errors.Wrapf(err, "failed to close inherited fd %d", fd)
		}
	}
	return nil
}
