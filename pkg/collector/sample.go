// Package collector consumes finder match events and materialises
// matching attributes as hashed, size-bounded samples inside an archive
// or an output directory, writing one evidence table row per matched
// name and attribute.
package collector

import (
	"time"

	"github.com/google/uuid"

	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/limits"
	"github.com/dfirkit/gograb/pkg/pipeline"
)

// SampleSpec is a rule group producing a named subtree of archived
// samples with its own limits.
type SampleSpec struct {
	// Name prefixes the archive-internal path of the spec's samples.
	// Empty means no prefix.
	Name string

	// Limits are the spec-local quotas.
	Limits limits.Limits

	// Content is the spec's collection mode; KindInvalid inherits the
	// run default.
	Content pipeline.Content

	// Terms are the predicates owned by this spec, in order.
	Terms []*finder.SearchTerm
}

// Owns reports whether the spec owns the given term, by identity.
func (s *SampleSpec) Owns(term *finder.SearchTerm) bool {
	for _, t := range s.Terms {
		if t == term {
			return true
		}
	}
	return false
}

// SampleID identifies one NTFS attribute across passes. Equality over
// all four fields; a run-wide set of these suppresses duplicate
// collection of the same attribute.
type SampleID struct {
	FRN          finder.FRN
	AttrIndex    int
	VolumeSerial uint64
	SnapshotID   uuid.UUID
}

// Sample is one matched attribute on its way into the archive. A
// sample is uniquely owned by the collector until its archive callback
// fires; the callback fills the digests and ends the sample's life by
// writing its table row.
type Sample struct {
	ID         SampleID
	Spec       *SampleSpec
	Match      *finder.Match
	Attribute  finder.Attribute
	SourcePath string
	Content    pipeline.Content

	// ArchiveName is the archive-internal file name; empty when the
	// sample is off-limits.
	ArchiveName string

	LimitStatus limits.Status

	// Size is the byte count after the pipeline, filled at completion.
	Size int64

	// Digests are filled by the completion callback, not before.
	Digests pipeline.Digests

	// CollectionTime is when the sample finished collecting.
	CollectionTime time.Time

	// aliases are duplicate matches that arrived while the sample was
	// still in flight; they contribute table rows, not collections.
	aliases []*finder.Match
}
