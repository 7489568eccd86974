package security

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
)

// PinnedPaths are the compile-time-fixed executable paths the monitor
// validates the running processes against. They are supplied by the
// embedding application (build-time configuration is explicitly out of
// scope for this framework — see spec.md Non-goals); the monitor only
// compares against whatever it is given.
type PinnedPaths struct {
	DaemonPath string
	ParentPath string
}

// Checks selects which of the monitor's checks are enabled. An embedding
// application that does not configure a parent-liveness pipe, for
// instance, would disable ParentProcessRunning.
type Checks struct {
	ValidDaemonPath      bool
	ValidParentPath      bool
	DaemonPathSecured    bool
	ParentPathSecured    bool
	ParentProcessRunning bool
}

// Monitor holds the daemon's and parent's process descriptors and runs the
// self-audit checks against PinnedPaths.
type Monitor struct {
	Pinned PinnedPaths
	Checks Checks

	self   *ProcessData
	parent *ProcessData
}

// NewMonitor reads the current process and its parent's procfs entries.
func NewMonitor(pinned PinnedPaths, checks Checks) (*Monitor, error) {
	self := ReadProcessData(os.Getpid())
	if self.Invalid {
		return nil, errors.New("failed to read self process data")
	}
	parent := ReadProcessData(os.Getppid())

	return &Monitor{
		Pinned: pinned,
		Checks: checks,
		self:   self,
		parent: parent,
	}, nil
}

// ValidDaemonPath reports whether self's resolved executable path equals
// the pinned daemon path exactly.
func (m *Monitor) ValidDaemonPath() bool {
	return !m.self.Invalid && m.self.ExecPath == m.Pinned.DaemonPath
}

// ValidParentPath reports whether the parent's resolved executable path
// equals the pinned parent path exactly.
func (m *Monitor) ValidParentPath() bool {
	return !m.parent.Invalid && m.parent.ExecPath == m.Pinned.ParentPath
}

// DaemonPathSecured reports whether the directory containing the pinned
// daemon path is root-secured (see SecuredDir).
func (m *Monitor) DaemonPathSecured() (bool, error) {
	return SecuredDir(filepath.Dir(m.Pinned.DaemonPath))
}

// ParentPathSecured reports whether the directory containing the pinned
// parent path is root-secured.
func (m *Monitor) ParentPathSecured() (bool, error) {
	return SecuredDir(filepath.Dir(m.Pinned.ParentPath))
}

// ParentProcessRunning re-reads the parent's procfs entry and reports
// whether it is still alive: not stopped, zombied, dead or invalidated by
// pid reuse.
func (m *Monitor) ParentProcessRunning() bool {
	if err := m.parent.Update(); err != nil {
		return false
	}
	return m.parent.IsLiveState()
}

// SecuredDir reports whether dir is a directory owned by uid 0 and gid 0,
// with no world-write bit, using lstat so that a symlink anywhere in the
// path is rejected outright. Any non-root-writable directory in the
// daemon's executable path is a privilege-escalation vector: a local
// attacker who can write there can replace the binary out from under the
// pinned-path check that ran a moment earlier.
func SecuredDir(dir string) (bool, error) {
	fi, err := os.Lstat(dir)
	if err != nil {
		return false, errors.Wrap(err, "failed to lstat directory")
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return false, nil
	}
	if !fi.IsDir() {
		return false, nil
	}

	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, errors.New("stat_t unavailable on this platform")
	}
	if sys.Uid != 0 || sys.Gid != 0 {
		return false, nil
	}
	if fi.Mode().Perm()&0o002 != 0 {
		return false, nil
	}
	return true, nil
}

// Run executes every enabled check in the fixed order required by the
// daemon loop (valid daemon path, valid parent path, daemon dir secure,
// parent dir secure) and returns the daemonsup exit code of the first
// failing check, or daemonsup.ExitSuccess if every enabled check passes.
// ParentProcessRunning is not run here — it is checked per main-loop
// iteration, not as part of the one-time startup audit.
func (m *Monitor) Run(journal daemonsup.Journaler) int {
	type check struct {
		name    string
		enabled bool
		pass    func() (bool, error)
		code    int
	}

	checks := []check{
		{"valid-daemon-path", m.Checks.ValidDaemonPath, func() (bool, error) { return m.ValidDaemonPath(), nil }, daemonsup.ExitDaemonPathInvalid},
		{"valid-parent-path", m.Checks.ValidParentPath, func() (bool, error) { return m.ValidParentPath(), nil }, daemonsup.ExitParentPathInvalid},
		{"daemon-dir-secured", m.Checks.DaemonPathSecured, m.DaemonPathSecured, daemonsup.ExitDaemonDirInsecure},
		{"parent-dir-secured", m.Checks.ParentPathSecured, m.ParentPathSecured, daemonsup.ExitParentDirInsecure},
	}

	for _, c := range checks {
		if !c.enabled {
			continue
		}
		ok, err := c.pass()
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		journal.Write(&daemonsup.EventSecurityCheck{Check: c.name, Passed: ok && err == nil, Detail: detail})
		if err != nil || !ok {
			return c.code
		}
	}
	return daemonsup.ExitSuccess
}
