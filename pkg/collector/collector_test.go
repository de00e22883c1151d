package collector

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirkit/gograb/pkg/archive"
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/limits"
	"github.com/dfirkit/gograb/pkg/pipeline"
)

// fakeMatch builds a match over an in-memory payload.
func fakeMatch(term *finder.SearchTerm, name string, frn uint64, payload []byte) *finder.Match {
	return &finder.Match{
		Term:         term,
		VolumeSerial: 0xC0FFEE,
		FRN:          finder.FRN(frn),
		ParentFRN:    finder.FRN(5),
		Names:        []string{name},
		InUse:        true,
		Attributes: []finder.Attribute{{
			Index:    0,
			TypeCode: finder.AttrData,
			DataSize: int64(len(payload)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(payload)), nil
			},
		}},
	}
}

type runResult struct {
	entries map[string][]byte
	rows    [][]string
}

// runArchive drives matches through an archive-mode collector and
// returns the archive listing and parsed table rows.
func runArchive(t *testing.T, cfg Config, matches []*finder.Match, terms []*finder.SearchTerm) runResult {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "set.zip")
	app, err := archive.New(archive.Config{OutputPath: out, TargetLevel: archive.LevelFastest})
	require.NoError(t, err)

	c, err := NewArchive(cfg, app)
	require.NoError(t, err)

	for _, m := range matches {
		require.NoError(t, c.OnMatch(m))
	}
	require.NoError(t, c.Finish(context.Background(), terms))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	res := runResult{entries: map[string][]byte{}}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		res.entries[f.Name] = data
	}

	table, ok := res.entries[cfg.ToolName+".csv"]
	require.True(t, ok, "missing evidence table")
	rows, err := csv.NewReader(bytes.NewReader(table)).ReadAll()
	require.NoError(t, err)
	res.rows = rows
	return res
}

// Column indices of the evidence table.
const (
	colFullName   = 4
	colSampleName = 5
	colSize       = 6
	colMD5        = 7
	colFindMatch  = 9
)

func TestTinyCollection(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.ini", Kind: finder.TermName, Pattern: "*.ini"}
	spec := &SampleSpec{Name: "cfg", Terms: []*finder.SearchTerm{term}}
	global := &limits.Limits{MaxSampleCount: 3, MaxSampleCountSet: true}

	res := runArchive(t, Config{
		ToolName:     "GetSamples",
		ComputerName: "WKS",
		Specs:        []*SampleSpec{spec},
		Global:       global,
	}, []*finder.Match{
		fakeMatch(term, "/vol/a.ini", 1, bytes.Repeat([]byte("a"), 10)),
		fakeMatch(term, "/vol/b.ini", 2, bytes.Repeat([]byte("b"), 20)),
		fakeMatch(term, "/vol/c.ini", 3, bytes.Repeat([]byte("c"), 30)),
	}, []*finder.SearchTerm{term})

	// Three samples plus the table and the statistics report.
	require.Len(t, res.entries, 5)
	assert.Contains(t, res.entries, "GetSamples.csv")
	assert.Contains(t, res.entries, "Statistics.json")

	sampleEntries := 0
	for name := range res.entries {
		if strings.HasPrefix(name, "cfg/") {
			sampleEntries++
		}
	}
	assert.Equal(t, 3, sampleEntries)

	// Header plus three rows.
	require.Len(t, res.rows, 4)
	assert.Equal(t, int64(60), global.BytesTotal)
	assert.Equal(t, int64(3), global.SampleCount)
}

func TestCountLimitHit(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.ini", Kind: finder.TermName, Pattern: "*.ini"}
	spec := &SampleSpec{Name: "cfg", Terms: []*finder.SearchTerm{term}}
	global := &limits.Limits{MaxSampleCount: 2, MaxSampleCountSet: true}

	payload := bytes.Repeat([]byte("x"), 10)
	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   global,
	}, []*finder.Match{
		fakeMatch(term, "/vol/1.ini", 1, payload),
		fakeMatch(term, "/vol/2.ini", 2, payload),
		fakeMatch(term, "/vol/3.ini", 3, payload),
		fakeMatch(term, "/vol/4.ini", 4, payload),
	}, []*finder.SearchTerm{term})

	// Two archived samples; four table rows regardless.
	sampleEntries := 0
	for name := range res.entries {
		if strings.HasPrefix(name, "cfg/") {
			sampleEntries++
		}
	}
	assert.Equal(t, 2, sampleEntries)
	require.Len(t, res.rows, 5)

	// Off-limits rows carry no sample name.
	empties := 0
	for _, row := range res.rows[1:] {
		if row[colSampleName] == "" {
			empties++
		}
	}
	assert.Equal(t, 2, empties)

	// Off-limits samples never contribute to the accumulators.
	assert.Equal(t, int64(20), global.BytesTotal)
	assert.Equal(t, int64(2), global.SampleCount)
	assert.True(t, global.CountReached)
}

func TestPerSampleByteCap(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.bin", Kind: finder.TermName, Pattern: "*.bin"}
	spec := &SampleSpec{Terms: []*finder.SearchTerm{term}}
	global := &limits.Limits{MaxPerSampleBytes: 15, MaxPerSampleBytesSet: true}

	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   global,
	}, []*finder.Match{
		fakeMatch(term, "/vol/small.bin", 1, bytes.Repeat([]byte("s"), 10)),
		fakeMatch(term, "/vol/big.bin", 2, bytes.Repeat([]byte("b"), 30)),
		fakeMatch(term, "/vol/mid.bin", 3, bytes.Repeat([]byte("m"), 20)),
	}, []*finder.SearchTerm{term})

	collected := 0
	for name := range res.entries {
		if name != "GetSamples.csv" && name != "Statistics.json" {
			collected++
		}
	}
	assert.Equal(t, 1, collected)
	assert.Equal(t, int64(10), global.BytesTotal)
	assert.True(t, global.PerSampleExceeded)
}

func TestStringsModeFilter(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.bin", Kind: finder.TermName, Pattern: "*.bin"}
	spec := &SampleSpec{
		Name:    "str",
		Content: pipeline.Content{Kind: pipeline.KindStrings, MinChars: 5, MaxChars: 16},
		Terms:   []*finder.SearchTerm{term},
	}

	raw := []byte{0x00, 0x01, 'A', 'B', 'C', 'D', 'E', 0x02, 0x03}
	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   &limits.Limits{},
	}, []*finder.Match{
		fakeMatch(term, "/vol/blob.bin", 1, raw),
	}, []*finder.SearchTerm{term})

	var artifact []byte
	for name, data := range res.entries {
		if strings.HasPrefix(name, "str/") {
			artifact = data
			assert.True(t, strings.HasSuffix(name, ".strings"))
		}
	}
	assert.Equal(t, "ABCDE", string(artifact))

	require.Len(t, res.rows, 2)
	assert.Equal(t, "5", res.rows[1][colSize])
}

// One record matched by two specs through two hard-linked names: one
// sample id, one archive entry, one table row per match name.
func TestDedupAcrossAliases(t *testing.T) {
	t1 := &finder.SearchTerm{Rule: "orig", Kind: finder.TermName, Pattern: "orig.dat"}
	t2 := &finder.SearchTerm{Rule: "alias", Kind: finder.TermName, Pattern: "alias.dat"}
	s1 := &SampleSpec{Name: "a", Terms: []*finder.SearchTerm{t1}}
	s2 := &SampleSpec{Name: "b", Terms: []*finder.SearchTerm{t2}}

	payload := []byte("shared payload")
	m1 := fakeMatch(t1, "/vol/orig.dat", 7, payload)
	m2 := fakeMatch(t2, "/vol/alias.dat", 7, payload)

	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{s1, s2},
		Global:   &limits.Limits{},
	}, []*finder.Match{m1, m2}, []*finder.SearchTerm{t1, t2})

	collected := 0
	for name := range res.entries {
		if name != "GetSamples.csv" && name != "Statistics.json" {
			collected++
		}
	}
	assert.Equal(t, 1, collected)

	require.Len(t, res.rows, 3)
	names := []string{res.rows[1][colFullName], res.rows[2][colFullName]}
	assert.ElementsMatch(t, []string{"/vol/orig.dat", "/vol/alias.dat"}, names)
	rules := []string{res.rows[1][colFindMatch], res.rows[2][colFindMatch]}
	assert.ElementsMatch(t, []string{"orig", "alias"}, rules)
}

func TestReportAllComputesDigestsForOffLimits(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.bin", Kind: finder.TermName, Pattern: "*.bin"}
	spec := &SampleSpec{Terms: []*finder.SearchTerm{term}}
	global := &limits.Limits{MaxSampleCount: 0, MaxSampleCountSet: true}

	res := runArchive(t, Config{
		ToolName:  "GetSamples",
		Specs:     []*SampleSpec{spec},
		Global:    global,
		Hashes:    pipeline.HashSelection{MD5: true},
		ReportAll: true,
	}, []*finder.Match{
		fakeMatch(term, "/vol/x.bin", 1, []byte("hash me anyway")),
	}, []*finder.SearchTerm{term})

	// No archive entry, but the row carries the digest.
	for name := range res.entries {
		assert.Contains(t, []string{"GetSamples.csv", "Statistics.json"}, name)
	}
	require.Len(t, res.rows, 2)
	assert.Empty(t, res.rows[1][colSampleName])
	assert.NotEmpty(t, res.rows[1][colMD5])
}

func TestOpenFailureYieldsFailedToComputeRow(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.bin", Kind: finder.TermName, Pattern: "*.bin"}
	spec := &SampleSpec{Terms: []*finder.SearchTerm{term}}

	m := fakeMatch(term, "/vol/locked.bin", 1, nil)
	m.Attributes[0].Open = func() (io.ReadCloser, error) {
		return nil, errors.New("sharing violation")
	}

	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   &limits.Limits{},
	}, []*finder.Match{m}, []*finder.SearchTerm{term})

	require.Len(t, res.rows, 2)
	assert.Empty(t, res.rows[1][colSampleName])
}

func TestMatchWithoutSpecIsIgnored(t *testing.T) {
	owned := &finder.SearchTerm{Rule: "owned", Kind: finder.TermName, Pattern: "*.a"}
	orphan := &finder.SearchTerm{Rule: "orphan", Kind: finder.TermName, Pattern: "*.b"}
	spec := &SampleSpec{Terms: []*finder.SearchTerm{owned}}

	res := runArchive(t, Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   &limits.Limits{},
	}, []*finder.Match{
		fakeMatch(orphan, "/vol/x.b", 1, []byte("x")),
	}, []*finder.SearchTerm{owned, orphan})

	assert.Len(t, res.rows, 1) // header only
}

func TestDirectoryMode(t *testing.T) {
	term := &finder.SearchTerm{Rule: "*.ini", Kind: finder.TermName, Pattern: "*.ini"}
	spec := &SampleSpec{Name: "cfg", Terms: []*finder.SearchTerm{term}}

	outDir := t.TempDir()
	c, err := NewDirectory(Config{
		ToolName: "GetSamples",
		Specs:    []*SampleSpec{spec},
		Global:   &limits.Limits{},
	}, outDir)
	require.NoError(t, err)

	require.NoError(t, c.OnMatch(fakeMatch(term, "/vol/a.ini", 1, []byte("payload"))))
	require.NoError(t, c.Finish(context.Background(), []*finder.SearchTerm{term}))

	// Loose sample under the spec prefix plus table and statistics.
	samples, err := filepath.Glob(filepath.Join(outDir, "cfg", "*.data"))
	require.NoError(t, err)
	require.Len(t, samples, 1)

	for _, name := range []string{"GetSamples.csv", "Statistics.json"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), c.Collected())
}

func TestSampleFileName(t *testing.T) {
	term := &finder.SearchTerm{Rule: "r"}
	m := &finder.Match{
		Term:         term,
		VolumeSerial: 0xAB,
		FRN:          finder.FRN(0x2A),
		ParentFRN:    finder.FRN(0x10),
		Names:        []string{`C:\Users\bad name:with#chars`},
	}
	attr := finder.Attribute{InstanceID: 3}

	name := sampleFileName(m, attr, m.Names[0], pipeline.KindData)
	assert.Equal(t, "AB_10_2A_3_bad_name_with_chars_{00000000-0000-0000-0000-000000000000}.data", name)
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, "#")

	// Alternate data stream names get their own segment.
	attr.Name = "Zone.Identifier"
	withStream := sampleFileName(m, attr, m.Names[0], pipeline.KindData)
	assert.Contains(t, withStream, "_Zone.Identifier_")
}
