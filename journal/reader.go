package journal

import (
	"encoding/json"
	"io"
	"time"

	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"

	"git.sunder.dev/daemonsup"
)

// Reader scans a journal log from the bottom up, one line-delimited JSON
// entry at a time, using backwardio so the common case of "what was the
// last event before this run" does not require reading the whole file
// forward.
type Reader struct {
	b *backwardio.Scanner
}

// NewReader wraps r for backward scanning.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{b: backwardio.NewScanner(r)}
}

// Read returns the next entry scanning backward from wherever the previous
// Read left off (or from the end of the file on the first call), its
// recorded time, and io.EOF once the beginning of the file is reached.
func (r *Reader) Read() (daemonsup.Event, time.Time, error) {
	var line []byte
	for {
		tok, err := r.b.ReadUntil('\n')
		if err != nil {
			return nil, time.Time{}, err
		}
		if len(tok) > 0 {
			line = tok
			break
		}
	}

	var raw struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode journal line")
	}

	ev := daemonsup.NewEvent(raw.Type)
	if ev == nil {
		return nil, time.Time{}, errors.Errorf("unknown event type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Data, ev); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode event payload")
	}

	return ev, raw.Time, nil
}

// LastRun summarizes the most recent daemon run recorded in a journal, as
// determined by scanning backward for the first EventLoopExited.
type LastRun struct {
	// Clean is true if an EventLoopExited was found before the beginning
	// of the log (the prior run shut down through DaemonLoop's own exit
	// path rather than being killed out from under it).
	Clean    bool
	ExitCode int
	At       time.Time
}

// ReadLastRun scans r backward for the most recent EventLoopExited. A
// missing terminal event (Clean == false) indicates the previous run never
// reached its own shutdown path — e.g. it was SIGKILLed — which is purely
// observational here: the caller may choose to journal an EventWarning
// about it, but ReadLastRun itself never blocks or fails startup.
func ReadLastRun(r io.ReadSeeker) (LastRun, error) {
	jr := NewReader(r)
	for {
		ev, at, err := jr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return LastRun{Clean: false}, nil
			}
			return LastRun{}, err
		}
		if exited, ok := ev.(*daemonsup.EventLoopExited); ok {
			return LastRun{Clean: true, ExitCode: exited.ExitCode, At: at}, nil
		}
	}
}
