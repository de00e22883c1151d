package collector

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/pipeline"
)

// sampleFileName composes the archive-internal name of a sample:
//
//	<volser>_<parentfrn>_<frn>_<instance>_<filename>[_<datastream>]_<snapshot>.<kind>
//
// Record fields render as plain hex. When several aliases exist the
// caller passes the last matching name. Whitespace, ':' and '#' are
// replaced by '_' so the result stays shell-safe.
func sampleFileName(m *finder.Match, attr finder.Attribute, fullName string, kind pipeline.ContentKind) string {
	base := baseName(fullName)

	var b strings.Builder
	fmt.Fprintf(&b, "%X_%X_%X_%X_%s",
		m.VolumeSerial,
		uint64(m.ParentFRN),
		uint64(m.FRN),
		attr.InstanceID,
		base)
	if attr.Name != "" {
		b.WriteByte('_')
		b.WriteString(attr.Name)
	}
	b.WriteByte('_')
	b.WriteString(snapshotString(m.SnapshotID))
	b.WriteByte('.')
	b.WriteString(kind.String())

	return sanitizeName(b.String())
}

// snapshotString renders the snapshot id in braced GUID form; the nil
// id marks the live volume.
func snapshotString(id uuid.UUID) string {
	return "{" + id.String() + "}"
}

// baseName returns the final path element, treating both separator
// styles as separators regardless of host platform.
func baseName(fullName string) string {
	if i := strings.LastIndexAny(fullName, `/\`); i >= 0 {
		return fullName[i+1:]
	}
	return fullName
}

// sanitizeName replaces whitespace, ':' and '#' with '_'.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':' || r == '#':
			return '_'
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			return '_'
		default:
			return r
		}
	}, s)
}

// prefixedName applies the spec's directory prefix inside the archive.
func prefixedName(spec *SampleSpec, name string) string {
	if spec == nil || spec.Name == "" {
		return name
	}
	return path.Join(spec.Name, name)
}
