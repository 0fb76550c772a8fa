package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/m-mizutani/goerr/v2"
)

const maxLineBytes = 4 << 20

// Reader decodes a progress stream and keeps a Snapshot of what it has seen
type Reader struct {
	r        *bufio.Reader
	snapshot Snapshot
	terminal *Record
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. After a terminal record it returns io.EOF.
// If the stream ends first it returns ErrIndeterminate; an incomplete last
// line is discarded.
func (r *Reader) Next() (*Record, error) {
	if r.terminal != nil {
		return nil, io.EOF
	}

	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, goerr.Wrap(ErrIndeterminate, "stream ended",
					goerr.V("run_id", r.snapshot.RunID), goerr.V("processed", r.snapshot.Counters.Processed))
			}
			return nil, goerr.Wrap(err, "failed to read progress stream")
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if errors.Is(err, ErrMalformedRecord) {
				return nil, err
			}
			return nil, goerr.Wrap(ErrMalformedRecord, err.Error())
		}

		r.snapshot.Apply(rec)
		if rec.Type.IsTerminal() {
			r.terminal = &rec
		}
		return &rec, nil
	}
}

// readLine returns one complete newline-terminated line. Bytes without a
// trailing newline at end of stream are a partial record and yield io.EOF.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, goerr.Wrap(ErrMalformedRecord, "line too long", goerr.V("max_bytes", maxLineBytes))
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// Snapshot returns the last known state of the run
func (r *Reader) Snapshot() Snapshot {
	return r.snapshot
}

// Terminal returns the done or error record once it was read
func (r *Reader) Terminal() *Record {
	return r.terminal
}

// Consume reads the whole stream, calling fn for each record, and returns
// the terminal record.
func Consume(rd io.Reader, fn func(Record) error) (*Record, Snapshot, error) {
	r := NewReader(rd)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.terminal, r.snapshot, nil
		}
		if err != nil {
			return nil, r.snapshot, err
		}
		if fn != nil {
			if err := fn(*rec); err != nil {
				return nil, r.snapshot, err
			}
		}
	}
}
