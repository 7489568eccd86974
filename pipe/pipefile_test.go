package pipe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureFIFOCreatesThenValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "to-daemon")

	if err := EnsureFIFO(path, 0200); err != nil {
		t.Fatalf("first EnsureFIFO: %v", err)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected fifo, got mode %v", fi.Mode())
	}
	if fi.Mode().Perm() != 0200 {
		t.Fatalf("expected perm 0200, got %04o", fi.Mode().Perm())
	}

	// Second call against the already-correct fifo must succeed without
	// touching the file.
	if err := EnsureFIFO(path, 0200); err != nil {
		t.Fatalf("second EnsureFIFO: %v", err)
	}
}

func TestEnsureFIFORejectsWrongType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-fifo")

	if err := os.WriteFile(path, []byte("hi"), 0600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	if err := EnsureFIFO(path, 0200); err == nil {
		t.Fatal("expected EnsureFIFO to reject a regular file, got nil error")
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hi" {
		t.Fatalf("EnsureFIFO must not touch a rejected file, got %q, err %v", data, err)
	}
}

func TestEnsureFIFORejectsWrongMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "to-daemon")

	if err := EnsureFIFO(path, 0200); err != nil {
		t.Fatalf("EnsureFIFO: %v", err)
	}

	if err := EnsureFIFO(path, 0400); err == nil {
		t.Fatal("expected EnsureFIFO to reject a fifo with a different mode")
	}
}
