// Package pipe implements the bidirectional named-pipe IPC layer: creating
// and validating FIFOs, an asynchronous writer that never blocks the
// caller on the open(2) reader rendezvous, and a threaded reader that
// delivers opaque byte frames to a user-supplied sink under a cooperative
// cancellation discipline.
package pipe

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"git.sunder.dev/daemonsup"
)

// EnsureFIFO creates a FIFO at path with the user-class permission bits of
// mode if one does not already exist. If path exists, it must already be a
// FIFO whose mode bits exactly match mode, otherwise EnsureFIFO fails
// without touching the file — the FIFO is the trust token for the IPC
// channel, and silently repairing a wrongly-moded file would let a local
// attacker pre-plant one and read traffic meant for the daemon only.
//
// Parent directories are created on demand with user-only rwx (0700).
//
// Grounded on willdurand-containers/sync_pipe.go's maybeMkfifo and
// bogen85-config/mas.go's explicit chmod-after-mkfifo (umask safety).
func EnsureFIFO(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "failed to create pipe directory")
	}

	err := unix.Mkfifo(path, uint32(mode.Perm()))
	if err == nil {
		// umask may have trimmed bits off the mode passed to mkfifo(2); pin
		// it down explicitly.
		if err := os.Chmod(path, mode.Perm()); err != nil {
			return errors.Wrap(err, "failed to chmod new fifo")
		}
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return errors.Wrap(err, "failed to create fifo")
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat existing path")
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return errors.Wrapf(daemonsup.ErrWrongFileType, "%q is not a fifo", path)
	}
	if fi.Mode().Perm() != mode.Perm() {
		return errors.Wrapf(daemonsup.ErrWrongFileType, "%q has mode %04o, want %04o", path, fi.Mode().Perm(), mode.Perm())
	}
	return nil
}
