package pipe

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"git.sunder.dev/daemonsup"
)

// writerReadyTimeout bounds how long Send waits for the async open to
// finish before giving up, covering the common race where a caller sends
// immediately after Start.
const writerReadyTimeout = time.Second

// Writer wraps a FIFO opened write-only, using AsyncInit so the blocking
// open(2)-until-a-reader-exists rendezvous never stalls the caller.
type Writer struct {
	path string
	init *AsyncInit

	mu sync.Mutex
	f  *os.File
}

// NewWriter constructs (but does not open) a writer for the FIFO at path.
func NewWriter(path string) *Writer {
	w := &Writer{path: path}
	w.init = NewAsyncInit(w.doOpen)
	return w
}

func (w *Writer) doOpen(ctx context.Context) error {
	f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "failed to open fifo for writing")
	}
	w.mu.Lock()
	w.f = f
	w.mu.Unlock()
	return nil
}

// Open starts the asynchronous open. It returns immediately; the open(2)
// call that blocks until a reader exists runs on the AsyncInit worker.
func (w *Writer) Open() error { return w.init.Start() }

// Send writes data to the pipe. If the async open has not finished yet, it
// waits up to writerReadyTimeout for completion. A partial write is
// retried until complete or a non-EINTR error occurs.
func (w *Writer) Send(data []byte) error {
	if !w.init.Finished() {
		w.init.Wait(writerReadyTimeout)
	}
	if !w.init.Succeeded() {
		return daemonsup.ErrPipeNotReady
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return daemonsup.ErrPipeNotReady
	}

	fd := int(w.f.Fd())
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "failed to write to fifo")
		}
		data = data[n:]
	}
	return nil
}

// Close cancels any in-flight open and closes the fd. Closing a pipe whose
// async open is still blocked in open(2) relies on Cancel's documented
// escape hatch: open a throwaway reader on the same path so the blocked
// write-end open can complete (and then be closed immediately), since
// open(2) itself does not observe context cancellation.
func (w *Writer) Close() error {
	if !w.init.Finished() {
		go func() {
			if f, err := os.OpenFile(w.path, os.O_RDONLY|unix.O_NONBLOCK, 0); err == nil {
				f.Close()
			}
		}()
	}
	w.init.Cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	var err error
	for {
		err = w.f.Close()
		if err == nil || !errors.Is(err, unix.EINTR) {
			break
		}
	}
	w.f = nil
	return err
}
