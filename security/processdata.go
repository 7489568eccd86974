// Package security implements the daemon's self-audit: comparing the
// running daemon and parent executable paths against compile-time-pinned
// values, checking that their containing directories are root-secured, and
// tracking parent liveness across PID reuse.
package security

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ProcessState is the single-character process state field from
// /proc/<pid>/stat (see proc(5)).
type ProcessState byte

const (
	StateRunning      ProcessState = 'R'
	StateSleeping     ProcessState = 'S'
	StateDiskSleep    ProcessState = 'D'
	StateStopped      ProcessState = 'T'
	StateTracingStop  ProcessState = 't'
	StateZombie       ProcessState = 'Z'
	StateDead         ProcessState = 'X'
	StateDeadAlt      ProcessState = 'x'
	StateInvalid      ProcessState = 0
)

// ProcessData is a point-in-time snapshot of a process read from procfs.
// An entry becomes Invalid when a re-read (Update) finds the executable
// path has changed — proof the pid has been reused by a different
// process.
type ProcessData struct {
	PID        int
	ParentPID  int
	ExecPath   string
	State      ProcessState
	StartTicks uint64

	Invalid bool
}

// ReadProcessData parses /proc/<pid>/stat and resolves /proc/<pid>/exe for
// pid. Any parse or I/O failure yields an Invalid record rather than an
// error, matching the self-audit's "never trust what you can't read"
// posture: a SecurityMonitor check against an Invalid record always fails
// closed.
func ReadProcessData(pid int) *ProcessData {
	pd := &ProcessData{PID: pid}
	if err := pd.read(); err != nil {
		pd.Invalid = true
	}
	return pd
}

// Update re-reads pid's procfs entries. If the executable path changed
// since the last read, the record is marked Invalid (pid reuse) even if
// the re-read otherwise succeeded.
func (pd *ProcessData) Update() error {
	prevExec := pd.ExecPath
	hadExec := prevExec != "" && !pd.Invalid

	if err := pd.read(); err != nil {
		pd.Invalid = true
		return err
	}
	if hadExec && pd.ExecPath != prevExec {
		pd.Invalid = true
	}
	return nil
}

func (pd *ProcessData) read() error {
	statPath := fmt.Sprintf("/proc/%d/stat", pd.PID)
	raw, err := os.ReadFile(statPath)
	if err != nil {
		return errors.Wrap(err, "failed to read stat")
	}

	fields, err := parseStatFields(string(raw))
	if err != nil {
		return errors.Wrap(err, "failed to parse stat")
	}

	// Fields are 0-indexed here though proc(5) documents them 1-indexed;
	// field 0 is pid, field 1 is comm (already stripped by parseStatFields),
	// field 2 is state, field 3 is ppid, field 21 is starttime.
	if len(fields) <= 21 {
		return errors.New("stat line has too few fields")
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return errors.Wrap(err, "bad pid field")
	}
	ppid, err := strconv.Atoi(fields[3])
	if err != nil {
		return errors.Wrap(err, "bad ppid field")
	}
	start, err := strconv.ParseUint(fields[21], 10, 64)
	if err != nil {
		return errors.Wrap(err, "bad starttime field")
	}
	if len(fields[2]) != 1 {
		return errors.New("bad state field")
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pd.PID))
	if err != nil {
		return errors.Wrap(err, "failed to resolve exe symlink")
	}

	pd.PID = pid
	pd.ParentPID = ppid
	pd.ExecPath = exe
	pd.State = ProcessState(fields[2][0])
	pd.StartTicks = start
	pd.Invalid = false
	return nil
}

// parseStatFields splits a /proc/<pid>/stat line into whitespace-delimited
// fields, with the parenthesized comm field (field index 1) collapsed into
// a single placeholder first so that a comm value containing spaces or
// parentheses (e.g. "(some (weird) name)") does not shift every later
// field. The comm field itself is dropped — callers only need pid, state,
// ppid and starttime, which all sit at fixed offsets once comm is
// collapsed. Grounded on the /proc/<pid>/stat reading style in
// Data-Corruption-goweb/daemon_manager.go and standardbeagle-agnt/socket.go.
func parseStatFields(line string) ([]string, error) {
	line = strings.TrimRight(line, "\n")

	open := strings.IndexByte(line, '(')
	closeIdx := strings.LastIndexByte(line, ')')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return nil, errors.New("malformed stat line: no comm field")
	}

	before := strings.Fields(line[:open])
	after := strings.Fields(line[closeIdx+1:])

	fields := make([]string, 0, len(before)+1+len(after))
	fields = append(fields, before...)
	fields = append(fields, "(comm)")
	fields = append(fields, after...)
	return fields, nil
}

// IsLiveState reports whether the record is valid and its state is not
// stopped, tracing-stopped, zombie or dead.
func (pd *ProcessData) IsLiveState() bool {
	switch pd.State {
	case StateStopped, StateTracingStop, StateZombie, StateDead, StateDeadAlt, StateInvalid:
		return false
	default:
		return !pd.Invalid
	}
}
