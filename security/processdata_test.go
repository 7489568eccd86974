package security

import (
	"os"
	"os/exec"
	"testing"
)

func TestReadProcessDataSelf(t *testing.T) {
	pd := ReadProcessData(os.Getpid())
	if pd.Invalid {
		t.Fatal("expected a valid record for our own pid")
	}
	if pd.PID != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pd.PID, os.Getpid())
	}
	if pd.ParentPID != os.Getppid() {
		t.Fatalf("got ppid %d, want %d", pd.ParentPID, os.Getppid())
	}
	if !pd.IsLiveState() {
		t.Fatalf("expected our own process to report as live, state=%q", pd.State)
	}
}

func TestUpdateInvalidatesOnExitedPid(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("could not start sleep(1) to exercise pid reuse: %v", err)
	}
	pid := cmd.Process.Pid

	pd := ReadProcessData(pid)
	if pd.Invalid {
		cmd.Process.Kill()
		t.Skip("could not read /proc for spawned child, skipping")
	}

	cmd.Process.Kill()
	cmd.Wait()

	// The pid has exited, so Update's re-read of /proc fails; that failure
	// must mark the record Invalid per the "never trust what you can't
	// read" rule. The forged ExecPath below only shows up in the failure
	// message: the re-read fails before any path comparison.
	pd.ExecPath = "/some/other/binary"
	prevExec := pd.ExecPath
	pd.Invalid = false
	err := pd.Update()
	if err == nil {
		t.Fatalf("expected Update on an exited pid to fail, prevExec=%q", prevExec)
	}
	if !pd.Invalid {
		t.Fatal("expected Invalid after Update on an exited pid")
	}
}

func TestParseStatFieldsHandlesParensInComm(t *testing.T) {
	line := "123 (weird (name) here) S 1 123 123 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 456789 0 0"
	fields, err := parseStatFields(line)
	if err != nil {
		t.Fatalf("parseStatFields: %v", err)
	}
	if fields[0] != "123" {
		t.Fatalf("pid field = %q, want 123", fields[0])
	}
	if fields[2] != "S" {
		t.Fatalf("state field = %q, want S", fields[2])
	}
	if fields[3] != "1" {
		t.Fatalf("ppid field = %q, want 1", fields[3])
	}
}
