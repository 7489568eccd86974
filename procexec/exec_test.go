package procexec

import (
	"math"
	"os"
	"testing"
	"time"
)

const forever time.Duration = math.MaxInt64

func TestSleepProcessGracefulSignal(t *testing.T) {
	p := NewSleepProcess(forever, 0, 42)

	if err := p.Signal(os.Interrupt); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	status := p.Wait()
	if status.PID != 42 {
		t.Fatalf("got pid %d, want 42", status.PID)
	}
	if status.Code != 0 {
		t.Fatalf("got exit code %d, want 0 for graceful interrupt", status.Code)
	}
}

func TestSleepProcessKillOverridesDelay(t *testing.T) {
	p := NewSleepProcess(forever, forever, 7)

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan ExitStatus, 1)
	go func() { done <- p.Wait() }()

	select {
	case status := <-done:
		if status.Code != -1 {
			t.Fatalf("got exit code %d, want -1 for kill", status.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("Kill did not take effect promptly")
	}
}

func TestSanitizeInheritedFDsLeavesStdHandlesOpen(t *testing.T) {
	if err := SanitizeInheritedFDs(); err != nil {
		t.Fatalf("SanitizeInheritedFDs: %v", err)
	}
	// Stdout must still be usable after sanitization runs in the current
	// (test) process, proving fds 0/1/2 were preserved.
	if _, err := os.Stdout.Stat(); err != nil {
		t.Fatalf("stdout no longer usable after sanitize: %v", err)
	}
}
