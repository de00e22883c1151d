package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirkit/gograb/pkg/schema"
)

func textSchema(t *testing.T, names ...string) *schema.Schema {
	t.Helper()
	cols := make([]schema.Column, len(names))
	for i, n := range names {
		cols[i] = schema.Column{Name: n, Type: schema.UTF8}
	}
	s, err := schema.New(cols...)
	require.NoError(t, err)
	return s
}

func TestCSVWriterBasicRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(textSchema(t, "a", "b", "c")))

	require.NoError(t, w.WriteString("one"))
	require.NoError(t, w.WriteString("two"))
	require.NoError(t, w.WriteString("three"))
	require.NoError(t, w.EndOfLine())
	require.NoError(t, w.Close())

	lines := strings.Split(buf.String(), "\r\n")
	require.Len(t, lines, 3) // header, row, trailing empty
	assert.Equal(t, "a,b,c", lines[0])
	assert.Equal(t, "one,two,three", lines[1])
	assert.Empty(t, lines[2])
}

// Fields containing the delimiter or the quote character must round-trip
// losslessly through a standard CSV reader. encoding/csv folds a CR-LF
// inside a quoted field to LF, so that is the value read back.
func TestCSVWriterEscapingRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"plain", "hello"},
		{"delimiter", "a,b,c"},
		{"quote", `say "when"`},
		{"quote at edges", `"quoted"`},
		{"both", `a,"b",c`},
		{"newline", "line1\nline2"},
		{"crlf", "line1\r\nline2"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewCSVWriter(&buf, CSVOptions{})
			require.NoError(t, w.SetSchema(textSchema(t, "v", "tail")))
			require.NoError(t, w.WriteString(tt.value))
			require.NoError(t, w.WriteString("tail"))
			require.NoError(t, w.EndOfLine())
			require.NoError(t, w.Close())

			r := csv.NewReader(&buf)
			records, err := r.ReadAll()
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, strings.ReplaceAll(tt.value, "\r\n", "\n"), records[1][0])
			assert.Equal(t, "tail", records[1][1])
		})
	}
}

func TestCSVWriterRowWidthViolations(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(textSchema(t, "a", "b")))

	// Too few columns.
	require.NoError(t, w.WriteString("only"))
	err := w.EndOfLine()
	require.Error(t, err)
	assert.True(t, IsIntegrityViolation(err))

	// Too many columns.
	require.NoError(t, w.WriteString("1"))
	require.NoError(t, w.WriteString("2"))
	err = w.WriteString("3")
	require.Error(t, err)
	assert.True(t, IsIntegrityViolation(err))

	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, ie.Expected)
}

// A violated row must not leak into the committed output; prior rows
// are preserved.
func TestCSVWriterAtomicRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(textSchema(t, "a", "b")))

	require.NoError(t, w.WriteString("x"))
	require.NoError(t, w.WriteString("y"))
	require.NoError(t, w.EndOfLine())

	require.NoError(t, w.WriteString("torn"))
	require.Error(t, w.EndOfLine())
	require.NoError(t, w.Close())

	assert.Equal(t, "a,b\r\nx,y\r\n", buf.String())
	assert.NotContains(t, buf.String(), "torn")
}

func TestCSVWriterAbandonRow(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(textSchema(t, "a", "b", "c")))

	require.NoError(t, w.WriteString("x"))
	require.NoError(t, w.AbandonRow())
	require.NoError(t, w.EndOfLine())
	require.NoError(t, w.Close())

	assert.Contains(t, buf.String(), "x,,\r\n")
}

func TestCSVWriterTypedCells(t *testing.T) {
	s := schema.MustNew(
		schema.Column{Name: "n", Type: schema.UInt64},
		schema.Column{Name: "ok", Type: schema.Bool},
		schema.Column{Name: "ts", Type: schema.Timestamp, Format: "{YYYY}-{MM}-{DD} {hh}:{mm}:{ss}.{mmm}"},
		schema.Column{Name: "bin", Type: schema.BinaryVar},
		schema.Column{Name: "id", Type: schema.GUID},
		schema.Column{Name: "kind", Type: schema.Enum, Labels: map[uint64]string{1: "data"}},
		schema.Column{Name: "attrs", Type: schema.Flags, Labels: map[uint64]string{1: "ro", 2: "hidden", 4: "system"}},
	)

	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(s))

	ts := time.Date(2026, 3, 9, 14, 5, 6, 78*int(time.Millisecond), time.UTC)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	require.NoError(t, w.WriteUint64(42))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteTimestamp(ts))
	require.NoError(t, w.WriteBytes([]byte{0xDE, 0xAD}))
	require.NoError(t, w.WriteGUID(id))
	require.NoError(t, w.WriteEnum(1))
	require.NoError(t, w.WriteFlags(3))
	require.NoError(t, w.EndOfLine())
	require.NoError(t, w.Close())

	row := strings.Split(buf.String(), "\r\n")[1]
	assert.Equal(t,
		"42,Y,2026-03-09 14:05:06.078,DEAD,{6ba7b810-9dad-11d1-80b4-00c04fd430c8},data,ro|hidden",
		row)
}

func TestCSVWriterEnumAndFlagsFallBackToInteger(t *testing.T) {
	s := schema.MustNew(
		schema.Column{Name: "kind", Type: schema.Enum, Labels: map[uint64]string{1: "data"}},
		schema.Column{Name: "attrs", Type: schema.Flags, Labels: map[uint64]string{1: "ro"}},
	)
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	require.NoError(t, w.SetSchema(s))
	require.NoError(t, w.WriteEnum(7))
	require.NoError(t, w.WriteFlags(8))
	require.NoError(t, w.EndOfLine())
	require.NoError(t, w.Close())

	assert.Contains(t, buf.String(), "7,8\r\n")
}

func TestCSVWriterBOM(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{WriteBOM: true})
	require.NoError(t, w.SetSchema(textSchema(t, "a")))
	require.NoError(t, w.Close())

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte{0xEF, 0xBB, 0xBF}))
}

// A failing sink must not cause unbounded buffer growth: the committed
// buffer is cleared even when the flush write errors.
func TestCSVWriterFlushClearsBufferOnError(t *testing.T) {
	sink := &failingWriter{}
	w := NewCSVWriter(sink, CSVOptions{})
	require.NoError(t, w.SetSchema(textSchema(t, "a")))
	require.NoError(t, w.WriteString("v"))
	require.NoError(t, w.EndOfLine())

	require.Error(t, w.Flush())
	// Second flush has nothing left to write.
	require.NoError(t, w.Flush())
}

type failingWriter struct{}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("sink failed")
}

func TestCSVWriterSetSchemaIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, CSVOptions{})
	s := textSchema(t, "a")
	require.NoError(t, w.SetSchema(s))
	require.NoError(t, w.SetSchema(s))
	require.NoError(t, w.Close())

	// Header emitted once.
	assert.Equal(t, "a\r\n", buf.String())
}
