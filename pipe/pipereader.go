package pipe

import (
	"os"

	"golang.org/x/sys/unix"
)

// Reader wraps a FIFO opened read-only, specializing InputReader with a
// user-provided byte sink. The reader does no framing: the sink receives
// exactly one callback per non-empty successful read, and callbacks carry
// whatever bytes read(2) returned.
type Reader struct {
	*InputReader
	path string
}

// NewReader constructs a reader for the FIFO at path. bufSize bounds the
// largest single frame deliverable in one callback; larger writes on the
// other end are simply split across multiple callbacks.
func NewReader(path string, bufSize int, sink func([]byte)) *Reader {
	r := &Reader{path: path}
	r.InputReader = NewInputReader(r.open, func(buf []byte, n int) {
		// Defensive copy: buf is reused across reads, the sink must not
		// retain it past the callback without copying.
		frame := make([]byte, n)
		copy(frame, buf[:n])
		sink(frame)
	}, bufSize)
	return r
}

func (r *Reader) open() (*os.File, error) {
	// O_NONBLOCK lets open(2) on the read end return without waiting for a
	// writer, so Start never blocks on the fifo rendezvous; the reader loop
	// polls for readability before every read.
	return os.OpenFile(r.path, os.O_RDONLY|unix.O_NONBLOCK, 0)
}
