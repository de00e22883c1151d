// Package finder defines the file-finding contract consumed by the
// sample collector, and a directory-tree walker implementation of it.
//
// A FileFinder walks one or more volumes and synchronously delivers a
// Match event for every record that satisfies at least one search term.
// The collector owns all downstream bookkeeping; the finder only
// maintains per-term profiling counters.
package finder

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FRN is a file reference number: the 64-bit pair of segment and
// sequence identifying an MFT record. On non-NTFS sources the walker
// synthesises it from the inode.
type FRN uint64

// Segment returns the 48-bit segment number part.
func (f FRN) Segment() uint64 { return uint64(f) & 0x0000FFFFFFFFFFFF }

// Sequence returns the 16-bit sequence number part.
func (f FRN) Sequence() uint16 { return uint16(uint64(f) >> 48) }

// TermKind discriminates search-term predicates.
type TermKind int

const (
	// TermName matches the final path element against a glob.
	TermName TermKind = iota

	// TermPath matches the path relative to the walked root against a
	// glob.
	TermPath

	// TermYara carries an opaque Yara rule evaluated by the walker.
	TermYara
)

// String returns the lower-case kind name.
func (k TermKind) String() string {
	switch k {
	case TermName:
		return "name"
	case TermPath:
		return "path"
	case TermYara:
		return "yara"
	default:
		return "unknown"
	}
}

// SearchTerm is one predicate handed to the finder. The core treats the
// predicate as opaque and only reads the profiling counters; the finder
// and the collector update them.
type SearchTerm struct {
	// Rule is the human-readable form reported in statistics.
	Rule string

	// Kind selects the predicate family.
	Kind TermKind

	// Pattern is the glob or rule body.
	Pattern string

	// Required tags criteria that must be evaluated for every record.
	Required bool

	matchTime      atomic.Int64 // nanoseconds
	matchRead      atomic.Int64
	matchCount     atomic.Int64
	missCount      atomic.Int64
	collectionTime atomic.Int64 // nanoseconds
	collectionRead atomic.Int64
}

// RecordMatch charges the term's match counters for one evaluation.
func (t *SearchTerm) RecordMatch(d time.Duration, read int64, matched bool) {
	t.matchTime.Add(int64(d))
	t.matchRead.Add(read)
	if matched {
		t.matchCount.Add(1)
	} else {
		t.missCount.Add(1)
	}
}

// RecordCollection charges the term's collection counters for one
// collected sample.
func (t *SearchTerm) RecordCollection(d time.Duration, read int64) {
	t.collectionTime.Add(int64(d))
	t.collectionRead.Add(read)
}

// Profile is a snapshot of a term's counters.
type Profile struct {
	MatchTime      time.Duration
	MatchRead      int64
	MatchCount     int64
	MissCount      int64
	CollectionTime time.Duration
	CollectionRead int64
}

// Profile returns a snapshot of the term's counters.
func (t *SearchTerm) Profile() Profile {
	return Profile{
		MatchTime:      time.Duration(t.matchTime.Load()),
		MatchRead:      t.matchRead.Load(),
		MatchCount:     t.matchCount.Load(),
		MissCount:      t.missCount.Load(),
		CollectionTime: time.Duration(t.collectionTime.Load()),
		CollectionRead: t.collectionRead.Load(),
	}
}

// Attribute is one data-carrying attribute of a matched record.
type Attribute struct {
	// Index is the attribute's position in the record.
	Index int

	// Name is the data-stream name; empty for the unnamed stream.
	Name string

	// TypeCode is the attribute type value ($DATA is 0x80).
	TypeCode uint64

	// InstanceID distinguishes attribute instances within the record.
	InstanceID uint64

	// DataSize is the logical stream size in bytes.
	DataSize int64

	// Open returns a reader over the attribute's bytes. The caller
	// closes it.
	Open func() (io.ReadCloser, error)
}

// AttrData is the $DATA attribute type code.
const AttrData uint64 = 0x80

// AttributeTypeLabels maps attribute type codes to display labels for
// the attribute-type column.
var AttributeTypeLabels = map[uint64]string{
	0x10: "$STANDARD_INFORMATION",
	0x30: "$FILE_NAME",
	0x80: "$DATA",
	0xB0: "$BITMAP",
}

// Timestamps carries the record's $STANDARD_INFORMATION and $FILE_NAME
// time quadruples.
type Timestamps struct {
	SICreate     time.Time
	SILastMod    time.Time
	SILastAccess time.Time
	SILastChange time.Time
	FNCreate     time.Time
	FNLastMod    time.Time
	FNLastAccess time.Time
	FNLastChange time.Time
}

// Match pairs a search term with one record, its matching names and its
// data-carrying attributes.
type Match struct {
	// Term is the predicate that fired.
	Term *SearchTerm

	// VolumeSerial identifies the volume the record was read from.
	VolumeSerial uint64

	// SnapshotID identifies the shadow snapshot; uuid.Nil for the live
	// volume.
	SnapshotID uuid.UUID

	// FRN and ParentFRN identify the record and its parent directory.
	FRN       FRN
	ParentFRN FRN

	// Names lists the full paths the record is known by. Hard-linked
	// records carry several.
	Names []string

	// Attributes are the record's data-carrying attributes.
	Attributes []Attribute

	// Timestamps are the record's time quadruples.
	Timestamps Timestamps

	// InUse reports whether the record is live (false for resurrected
	// records).
	InUse bool

	// YaraRules lists the names of Yara rules that matched, when any.
	YaraRules []string
}

// MatchFunc receives Match events. Returning an error stops the walk.
type MatchFunc func(m *Match) error

// FileFinder walks volumes and delivers Match events synchronously on
// the caller's goroutine.
type FileFinder interface {
	// Find runs the walk, invoking onMatch for every matching record.
	Find(ctx context.Context, onMatch MatchFunc) error

	// Terms returns the search terms the finder evaluates.
	Terms() []*SearchTerm
}
