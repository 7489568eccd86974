package security

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
)

// DirWatcher complements the point-in-time SecuredDir checks with a
// continuous watch: a directory that was root-secured at the last check
// can still be mutated a moment later by a process racing the check. The
// watcher emits EventDirTampered the instant any watched directory
// changes, so the embedding application can decide to re-run the checks or
// shut down rather than wait for the next scheduled audit.
//
// Grounded on cronmon/watcher.go's TryWatch/fsnotify.Watcher pairing,
// adapted from watching a scripts directory for process-list changes to
// watching security-relevant directories for tampering.
type DirWatcher struct {
	w *fsnotify.Watcher
	j daemonsup.Journaler
}

// NewDirWatcher creates an fsnotify watch on every directory in dirs and
// starts logging EventDirTampered to j for any Write, Chmod, Remove or
// Rename observed on them, until ctx is canceled.
func NewDirWatcher(ctx context.Context, j daemonsup.Journaler, dirs ...string) (*DirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "failed to watch %q", dir)
		}
	}

	dw := &DirWatcher{w: w, j: j}
	go dw.run(ctx)
	return dw, nil
}

func (dw *DirWatcher) run(ctx context.Context) {
	defer dw.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			dw.j.Write(&daemonsup.EventWarning{Component: "security.DirWatcher", Error: err.Error()})

		case evt, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Chmod|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dw.j.Write(&daemonsup.EventDirTampered{Dir: evt.Name, Op: evt.Op.String()})
		}
	}
}
