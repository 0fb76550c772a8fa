package progress

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrMalformedRecord = goerr.New("malformed progress record")
	ErrIndeterminate   = goerr.New("progress stream ended without a terminal record")
	ErrStreamClosed    = goerr.New("progress stream already terminated")
)

// Sink receives the records of one run in order
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

type flusher interface {
	Flush()
}

// Writer encodes records as NDJSON and flushes after every record
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

var _ Sink = &Writer{}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Emit(ctx context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return goerr.Wrap(ErrStreamClosed, "cannot emit record", goerr.V("type", rec.Type))
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return goerr.Wrap(err, "failed to encode progress record", goerr.V("type", rec.Type))
	}
	line = append(line, '\n')

	if _, err := w.w.Write(line); err != nil {
		return goerr.Wrap(err, "failed to write progress record", goerr.V("type", rec.Type))
	}
	if f, ok := w.w.(flusher); ok {
		f.Flush()
	}

	if rec.Type.IsTerminal() {
		w.closed = true
	}
	return nil
}

// Terminated reports whether a done or error record was written
func (w *Writer) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Discard drops every record. It is used for runs nobody is watching.
type Discard struct{}

func (Discard) Emit(context.Context, Record) error { return nil }
