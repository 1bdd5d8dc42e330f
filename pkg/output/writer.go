package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer receives the event stream of one run. Each call emits exactly one
// line; implementations are safe for concurrent use.
type Writer interface {
	WriteTransition(ctx context.Context, tr *TransitionRecord) error
	WriteMetrics(ctx context.Context, m *MetricsRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON. Lines from
// concurrent writers never interleave.
type JSONLWriter struct {
	w     io.Writer
	runID string
	mode  string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter returns a writer stamping every envelope with runID and
// mode.
func NewJSONLWriter(w io.Writer, runID, mode string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, mode: mode, now: time.Now}
}

// WriteTransition emits a transition record.
func (jw *JSONLWriter) WriteTransition(ctx context.Context, tr *TransitionRecord) error {
	return jw.writeRecord(ctx, TypeTransition, jw.runID, jw.mode, tr)
}

// WriteMetrics emits a metrics record.
func (jw *JSONLWriter) WriteMetrics(ctx context.Context, m *MetricsRecord) error {
	return jw.writeRecord(ctx, TypeMetrics, jw.runID, jw.mode, m)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, jw.runID, jw.mode, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, jw.runID, jw.mode, sum)
}

// WriteRun emits a listing record for another run. The envelope carries that
// run's id and mode.
func (jw *JSONLWriter) WriteRun(ctx context.Context, runID, mode string, run *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, runID, mode, run)
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, runID, mode string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		RunID: runID,
		Mode:  mode,
		Data:  dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
