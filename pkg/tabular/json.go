package tabular

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfirkit/gograb/pkg/schema"
)

// JSONOptions configures the structured back-end.
type JSONOptions struct {
	// Root names the outer object member holding the row collection.
	// Empty emits a bare top-level array.
	Root string

	// Pretty enables indented output.
	Pretty bool

	// TimestampFormat is the template used for Timestamp columns without
	// their own format hint.
	TimestampFormat string

	// HighWaterMark bounds the committed buffer. Default
	// DefaultHighWaterMark.
	HighWaterMark int
}

// JSONWriter is the structured back-end of the tabular Writer.
//
// Each committed row is one JSON object keyed by column name. Nested
// documents are composed with BeginElement/EndElement and
// BeginCollection/EndCollection; nested cells still count toward the
// schema width. The row object is serialised only on EndOfLine, so an
// abandoned or torn row never reaches the committed output. The outer
// document is closed on Close.
type JSONWriter struct {
	mu     sync.Mutex
	sink   io.Writer
	opts   JSONOptions
	schema *schema.Schema

	committed bytes.Buffer
	stack     []*jsonNode
	cells     int
	rows      int
	opened    bool
	closed    bool
}

var _ Writer = (*JSONWriter)(nil)

// jsonNode is a partially built object or collection.
type jsonNode struct {
	name    string
	isArray bool
	keys    []string
	values  map[string]any
	items   []any
}

func newObjectNode(name string) *jsonNode {
	return &jsonNode{name: name, values: make(map[string]any)}
}

func (n *jsonNode) put(key string, v any) {
	if n.isArray {
		n.items = append(n.items, v)
		return
	}
	if _, seen := n.values[key]; !seen {
		n.keys = append(n.keys, key)
	}
	n.values[key] = v
}

// MarshalJSON preserves insertion order for objects.
func (n *jsonNode) MarshalJSON() ([]byte, error) {
	if n.isArray {
		if n.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(n.items)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range n.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(n.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewJSONWriter creates a structured writer over the given sink.
func NewJSONWriter(sink io.Writer, opts JSONOptions) *JSONWriter {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	return &JSONWriter{sink: sink, opts: opts}
}

// SetSchema declares the schema. Idempotent.
func (w *JSONWriter) SetSchema(s *schema.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.schema != nil {
		return nil
	}
	w.schema = s
	return nil
}

func (w *JSONWriter) ensureRow() {
	if len(w.stack) == 0 {
		w.stack = []*jsonNode{newObjectNode("")}
	}
}

// cell records one typed value under the current column's name.
func (w *JSONWriter) cell(value func(col schema.Column) any) error {
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
	w.ensureRow()
	top := w.stack[len(w.stack)-1]
	if value != nil {
		top.put(col.Name, value(col))
	}
	w.cells++
	return nil
}

// BeginElement opens a nested object under the given name.
func (w *JSONWriter) BeginElement(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.ensureRow()
	node := newObjectNode(name)
	w.stack = append(w.stack, node)
	return nil
}

// EndElement closes the innermost nested object.
func (w *JSONWriter) EndElement() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stack) < 2 {
		return fmt.Errorf("end element without matching begin")
	}
	node := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	w.stack[len(w.stack)-1].put(node.name, node)
	return nil
}

// BeginCollection opens a nested array under the given name.
func (w *JSONWriter) BeginCollection(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.ensureRow()
	node := &jsonNode{name: name, isArray: true}
	w.stack = append(w.stack, node)
	return nil
}

// EndCollection closes the innermost nested array.
func (w *JSONWriter) EndCollection() error {
	return w.EndElement()
}

func (w *JSONWriter) WriteBool(v bool) error {
	return w.cell(func(schema.Column) any { return v })
}

func (w *JSONWriter) WriteUint32(v uint32) error {
	return w.cell(func(schema.Column) any { return v })
}

func (w *JSONWriter) WriteUint64(v uint64) error {
	return w.cell(func(schema.Column) any { return v })
}

// WriteUint64Hex emits the value as a hex string, the structured
// rendition of an integer requested in hex.
func (w *JSONWriter) WriteUint64Hex(v uint64) error {
	return w.cell(func(schema.Column) any { return fmt.Sprintf("0x%X", v) })
}

func (w *JSONWriter) WriteInt64(v int64) error {
	return w.cell(func(schema.Column) any { return v })
}

func (w *JSONWriter) WriteString(v string) error {
	return w.cell(func(col schema.Column) any {
		if col.MaxLen > 0 && len(v) > col.MaxLen {
			return v[:col.MaxLen]
		}
		return v
	})
}

func (w *JSONWriter) WriteTimestamp(v time.Time) error {
	return w.cell(func(col schema.Column) any {
		format := col.Format
		if format == "" {
			format = w.opts.TimestampFormat
		}
		return renderTimestamp(format, v)
	})
}

func (w *JSONWriter) WriteBytes(v []byte) error {
	return w.cell(func(col schema.Column) any {
		if col.FixedLen > 0 && len(v) != col.FixedLen {
			return nil
		}
		return fmt.Sprintf("%X", v)
	})
}

func (w *JSONWriter) WriteGUID(v uuid.UUID) error {
	return w.cell(func(schema.Column) any { return "{" + v.String() + "}" })
}

func (w *JSONWriter) WriteEnum(v uint64) error {
	return w.cell(func(col schema.Column) any { return renderEnum(v, col.Labels) })
}

func (w *JSONWriter) WriteFlags(v uint64) error {
	return w.cell(func(col schema.Column) any { return renderFlags(v, col.Labels) })
}

func (w *JSONWriter) WriteNothing() error {
	return w.cell(nil)
}

func (w *JSONWriter) AbandonColumn() error { return w.WriteNothing() }

func (w *JSONWriter) AbandonRow() error {
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

// EndOfLine serialises the row object into the committed buffer.
func (w *JSONWriter) EndOfLine() error {
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
		w.stack = nil
		w.cells = 0
		return err
	}
	w.schema.Seal()
	w.ensureRow()

	// Unterminated nesting collapses into the row rather than leaking.
	for len(w.stack) > 1 {
		node := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		w.stack[len(w.stack)-1].put(node.name, node)
	}
	row := w.stack[0]
	w.stack = nil
	w.cells = 0

	var (
		data []byte
		err  error
	)
	if w.opts.Pretty {
		data, err = json.MarshalIndent(row, "  ", "  ")
	} else {
		data, err = json.Marshal(row)
	}
	if err != nil {
		return err
	}

	if !w.opened {
		w.openDocument()
	} else {
		w.committed.WriteByte(',')
		if w.opts.Pretty {
			w.committed.WriteByte('\n')
		}
	}
	if w.opts.Pretty {
		w.committed.WriteString("  ")
	}
	w.committed.Write(data)
	w.rows++

	if w.committed.Len() > w.opts.HighWaterMark {
		return w.flushLocked()
	}
	return nil
}

func (w *JSONWriter) openDocument() {
	if w.opts.Root != "" {
		fmt.Fprintf(&w.committed, "{%q:[", w.opts.Root)
	} else {
		w.committed.WriteByte('[')
	}
	if w.opts.Pretty {
		w.committed.WriteByte('\n')
	}
	w.opened = true
}

// Flush writes the committed buffer to the sink, clearing it regardless
// of I/O outcome.
func (w *JSONWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *JSONWriter) flushLocked() error {
	if w.committed.Len() == 0 {
		return nil
	}
	_, err := w.sink.Write(w.committed.Bytes())
	w.committed.Reset()
	return err
}

// Close terminates the outer document and flushes.
func (w *JSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.stack = nil
	w.cells = 0
	if !w.opened {
		w.openDocument()
	}
	if w.opts.Pretty {
		w.committed.WriteByte('\n')
	}
	w.committed.WriteByte(']')
	if w.opts.Root != "" {
		w.committed.WriteByte('}')
	}
	return w.flushLocked()
}
