package tabular

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfirkit/gograb/pkg/schema"
)

// CSVOptions configures the CSV back-end.
type CSVOptions struct {
	// Delimiter separates fields. Default ','.
	Delimiter rune

	// Quote wraps fields that contain the delimiter, the quote itself or
	// a line break. Interior quotes are doubled. Default '"'.
	Quote rune

	// BoolTrue and BoolFalse are the characters booleans render as.
	// Defaults 'Y' and 'N'.
	BoolTrue  rune
	BoolFalse rune

	// WriteBOM emits a UTF-8 byte-order mark before the header.
	WriteBOM bool

	// TimestampFormat is the template used for Timestamp columns without
	// their own format hint.
	TimestampFormat string

	// BinaryFormat is the printf verb for binary bytes. Default "%02X".
	BinaryFormat string

	// HighWaterMark bounds the committed buffer. Default
	// DefaultHighWaterMark.
	HighWaterMark int
}

// DefaultCSVOptions returns the default CSV configuration.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:    ',',
		Quote:        '"',
		BoolTrue:     'Y',
		BoolFalse:    'N',
		BinaryFormat: "%02X",
	}
}

// CSVWriter is the CSV back-end of the tabular Writer.
//
// CSVWriter is safe for concurrent use: a mutex guards the committed
// buffer and the sink.
type CSVWriter struct {
	mu     sync.Mutex
	sink   io.Writer
	opts   CSVOptions
	schema *schema.Schema

	committed bytes.Buffer
	row       bytes.Buffer
	cells     int
	headerOut bool
	closed    bool
}

var _ Writer = (*CSVWriter)(nil)

// NewCSVWriter creates a CSV writer over the given sink.
func NewCSVWriter(sink io.Writer, opts CSVOptions) *CSVWriter {
	def := DefaultCSVOptions()
	if opts.Delimiter == 0 {
		opts.Delimiter = def.Delimiter
	}
	if opts.Quote == 0 {
		opts.Quote = def.Quote
	}
	if opts.BoolTrue == 0 {
		opts.BoolTrue = def.BoolTrue
	}
	if opts.BoolFalse == 0 {
		opts.BoolFalse = def.BoolFalse
	}
	if opts.BinaryFormat == "" {
		opts.BinaryFormat = def.BinaryFormat
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	return &CSVWriter{sink: sink, opts: opts}
}

// SetSchema declares the schema and stages the header row.
func (w *CSVWriter) SetSchema(s *schema.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.schema != nil {
		return nil // idempotent
	}
	w.schema = s
	if w.opts.WriteBOM {
		w.committed.Write([]byte{0xEF, 0xBB, 0xBF})
	}
	for i := range s.Width() {
		if i > 0 {
			w.committed.WriteRune(w.opts.Delimiter)
		}
		w.writeEscapedTo(&w.committed, s.Column(i).Name)
	}
	w.committed.WriteString("\r\n")
	w.headerOut = true
	return nil
}

// cell appends a rendered cell to the current row buffer.
func (w *CSVWriter) cell(render func(col schema.Column) string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.schema == nil {
		return ErrNoSchema
	}
	if w.cells >= w.schema.Width() {
		return &IntegrityError{Expected: w.schema.Width(), Actual: w.cells + 1}
	}
	col := w.schema.Column(w.cells)
	if w.cells > 0 {
		w.row.WriteRune(w.opts.Delimiter)
	}
	if render != nil {
		w.writeEscapedTo(&w.row, render(col))
	}
	w.cells++

	// Best-effort flush of committed rows when the buffer runs hot. The
	// in-flight row stays buffered so the output never holds a torn row.
	if w.committed.Len() > w.opts.HighWaterMark {
		w.flushLocked()
	}
	return nil
}

// writeEscapedTo writes a field, quoting when it contains the
// delimiter, the quote character or a line break, and doubling interior
// quotes.
func (w *CSVWriter) writeEscapedTo(buf *bytes.Buffer, field string) {
	needsQuote := strings.ContainsRune(field, w.opts.Delimiter) ||
		strings.ContainsRune(field, w.opts.Quote) ||
		strings.ContainsAny(field, "\r\n")
	if !needsQuote {
		buf.WriteString(field)
		return
	}
	buf.WriteRune(w.opts.Quote)
	for _, r := range field {
		if r == w.opts.Quote {
			buf.WriteRune(w.opts.Quote)
		}
		buf.WriteRune(r)
	}
	buf.WriteRune(w.opts.Quote)
}

func (w *CSVWriter) WriteBool(v bool) error {
	return w.cell(func(schema.Column) string {
		if v {
			return string(w.opts.BoolTrue)
		}
		return string(w.opts.BoolFalse)
	})
}

func (w *CSVWriter) WriteUint32(v uint32) error {
	return w.cell(func(schema.Column) string { return fmt.Sprintf("%d", v) })
}

func (w *CSVWriter) WriteUint64(v uint64) error {
	return w.cell(func(schema.Column) string { return fmt.Sprintf("%d", v) })
}

func (w *CSVWriter) WriteUint64Hex(v uint64) error {
	return w.cell(func(schema.Column) string { return fmt.Sprintf("0x%X", v) })
}

func (w *CSVWriter) WriteInt64(v int64) error {
	return w.cell(func(schema.Column) string { return fmt.Sprintf("%d", v) })
}

func (w *CSVWriter) WriteString(v string) error {
	return w.cell(func(col schema.Column) string {
		if col.MaxLen > 0 && len(v) > col.MaxLen {
			return v[:col.MaxLen]
		}
		return v
	})
}

func (w *CSVWriter) WriteTimestamp(v time.Time) error {
	return w.cell(func(col schema.Column) string {
		format := col.Format
		if format == "" {
			format = w.opts.TimestampFormat
		}
		return renderTimestamp(format, v)
	})
}

func (w *CSVWriter) WriteBytes(v []byte) error {
	return w.cell(func(col schema.Column) string {
		// A fixed-length mismatch is a failed conversion: render nothing
		// and count the column as written.
		if col.FixedLen > 0 && len(v) != col.FixedLen {
			return ""
		}
		verb := col.Format
		if verb == "" {
			verb = w.opts.BinaryFormat
		}
		var b strings.Builder
		for _, c := range v {
			fmt.Fprintf(&b, verb, c)
		}
		return b.String()
	})
}

func (w *CSVWriter) WriteGUID(v uuid.UUID) error {
	return w.cell(func(schema.Column) string { return "{" + v.String() + "}" })
}

func (w *CSVWriter) WriteEnum(v uint64) error {
	return w.cell(func(col schema.Column) string { return renderEnum(v, col.Labels) })
}

func (w *CSVWriter) WriteFlags(v uint64) error {
	return w.cell(func(col schema.Column) string { return renderFlags(v, col.Labels) })
}

func (w *CSVWriter) WriteNothing() error {
	return w.cell(func(schema.Column) string { return "" })
}

func (w *CSVWriter) AbandonColumn() error { return w.WriteNothing() }

func (w *CSVWriter) AbandonRow() error {
	w.mu.Lock()
	width := 0
	if w.schema != nil {
		width = w.schema.Width()
	}
	remaining := width - w.cells
	w.mu.Unlock()
	for range remaining {
		if err := w.WriteNothing(); err != nil {
			return err
		}
	}
	return nil
}

// EndOfLine commits the current row. A cell count below the schema
// width is an integrity violation; the row buffer is dropped so the
// committed output stays well-formed.
func (w *CSVWriter) EndOfLine() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.schema == nil {
		return ErrNoSchema
	}
	if w.cells != w.schema.Width() {
		err := &IntegrityError{Expected: w.schema.Width(), Actual: w.cells}
		w.row.Reset()
		w.cells = 0
		return err
	}
	w.schema.Seal()
	w.committed.Write(w.row.Bytes())
	w.committed.WriteString("\r\n")
	w.row.Reset()
	w.cells = 0
	return nil
}

// Flush writes the committed buffer to the sink. The buffer is cleared
// whether or not the sink write succeeds.
func (w *CSVWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *CSVWriter) flushLocked() error {
	if w.committed.Len() == 0 {
		return nil
	}
	_, err := w.sink.Write(w.committed.Bytes())
	w.committed.Reset()
	return err
}

// Close flushes committed rows and marks the writer closed. An
// uncommitted row is discarded, never emitted truncated.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.row.Reset()
	w.cells = 0
	return w.flushLocked()
}
