package collector

import (
	"strings"

	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/tabular"
)

// writeRows commits one table row per name of the given match,
// describing the sample. An integrity violation is sticky: it marks
// the set aborted while preserving rows committed before it.
func (c *Collector) writeRows(sample *Sample, m *finder.Match) error {
	for _, name := range m.Names {
		if err := c.writeRow(sample, m, name); err != nil {
			if tabular.IsIntegrityViolation(err) {
				c.mu.Lock()
				if c.tableErr == nil {
					c.tableErr = err
				}
				c.mu.Unlock()
			}
			return err
		}
	}
	return nil
}

func (c *Collector) writeRow(sample *Sample, m *finder.Match, fullName string) error {
	// Rows arrive from two goroutines: off-limits rows on the match
	// delivery goroutine, collected rows on the archive agent. The row
	// must be committed as a unit.
	c.rowMu.Lock()
	defer c.rowMu.Unlock()

	w := c.table
	ts := m.Timestamps

	steps := []func() error{
		func() error { return w.WriteString(c.cfg.ComputerName) },
		func() error { return w.WriteUint64Hex(m.VolumeSerial) },
		func() error { return w.WriteUint64Hex(uint64(m.ParentFRN)) },
		func() error { return w.WriteUint64Hex(uint64(m.FRN)) },
		func() error { return w.WriteString(fullName) },
		func() error { return w.WriteString(sample.ArchiveName) },
		func() error { return w.WriteUint64(uint64(sample.Size)) },
		func() error { return writeDigest(w, sample.Digests.MD5) },
		func() error { return writeDigest(w, sample.Digests.SHA1) },
		func() error { return w.WriteString(m.Term.Rule) },
		func() error { return w.WriteEnum(uint64(sample.Content.Kind)) },
		func() error {
			if sample.CollectionTime.IsZero() {
				return w.WriteNothing()
			}
			return w.WriteTimestamp(sample.CollectionTime)
		},
		func() error { return w.WriteTimestamp(ts.SICreate) },
		func() error { return w.WriteTimestamp(ts.SILastMod) },
		func() error { return w.WriteTimestamp(ts.SILastAccess) },
		func() error { return w.WriteTimestamp(ts.SILastChange) },
		func() error { return w.WriteTimestamp(ts.FNCreate) },
		func() error { return w.WriteTimestamp(ts.FNLastMod) },
		func() error { return w.WriteTimestamp(ts.FNLastAccess) },
		func() error { return w.WriteTimestamp(ts.FNLastChange) },
		func() error { return w.WriteEnum(sample.Attribute.TypeCode) },
		func() error { return w.WriteString(sample.Attribute.Name) },
		func() error { return w.WriteUint32(uint32(sample.Attribute.InstanceID)) },
		func() error { return w.WriteGUID(m.SnapshotID) },
		func() error { return writeDigest(w, sample.Digests.SHA256) },
		func() error { return w.WriteString(sample.Digests.SSDeep) },
		func() error { return w.WriteString(sample.Digests.TLSH) },
		func() error { return w.WriteString(strings.Join(m.YaraRules, ";")) },
		func() error { return w.WriteBool(m.InUse) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return w.EndOfLine()
}

// writeDigest writes a digest cell, empty when the digest was not
// computed.
func writeDigest(w tabular.Writer, digest []byte) error {
	if len(digest) == 0 {
		return w.WriteNothing()
	}
	return w.WriteBytes(digest)
}
