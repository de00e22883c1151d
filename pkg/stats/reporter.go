// Package stats emits the per-term collection statistics report.
//
// The report aggregates the profiling counters the finder maintains on
// each search term and renders them as a JSON document, either as an
// archive item or as a loose file next to directory output. A write
// failure here is non-fatal to the run.
package stats

import (
	"encoding/json"
	"io"

	"github.com/dfirkit/gograb/pkg/finder"
)

// FileName is the report's name inside the archive or output directory.
const FileName = "Statistics.json"

// TermStats is the serialised form of one term's counters.
type TermStats struct {
	Description    string  `json:"description"`
	MatchTime      float64 `json:"match_time"`
	MatchRead      int64   `json:"match_read"`
	Match          int64   `json:"match"`
	Miss           int64   `json:"miss"`
	CollectionTime float64 `json:"collection_time"`
	CollectionRead int64   `json:"collection_read"`
}

// Report is the full statistics document.
type Report struct {
	Version string                   `json:"version"`
	DFIROrc map[string]ToolStatsNode `json:"dfir-orc"`
}

// ToolStatsNode nests the statistics under the producing tool's name.
type ToolStatsNode struct {
	Statistics StatisticsNode `json:"statistics"`
}

// StatisticsNode carries the per-term find statistics.
type StatisticsNode struct {
	NTFSFind []TermStats `json:"ntfs_find"`
}

// Build assembles the report for the given tool from term counters.
func Build(tool string, terms []*finder.SearchTerm) *Report {
	stats := make([]TermStats, 0, len(terms))
	for _, t := range terms {
		p := t.Profile()
		stats = append(stats, TermStats{
			Description:    t.Rule,
			MatchTime:      p.MatchTime.Seconds(),
			MatchRead:      p.MatchRead,
			Match:          p.MatchCount,
			Miss:           p.MissCount,
			CollectionTime: p.CollectionTime.Seconds(),
			CollectionRead: p.CollectionRead,
		})
	}
	return &Report{
		Version: "1.0",
		DFIROrc: map[string]ToolStatsNode{
			tool: {Statistics: StatisticsNode{NTFSFind: stats}},
		},
	}
}

// Write renders the report to w.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Marshal renders the report to bytes.
func (r *Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
