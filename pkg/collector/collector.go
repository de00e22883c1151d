package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/dfirkit/gograb/pkg/archive"
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/limits"
	"github.com/dfirkit/gograb/pkg/pipeline"
	"github.com/dfirkit/gograb/pkg/stats"
	"github.com/dfirkit/gograb/pkg/tabular"
)

// Config configures a Collector.
type Config struct {
	// ToolName names the evidence table inside the output
	// ("<ToolName>.csv").
	ToolName string

	// ComputerName fills the table's first column.
	ComputerName string

	// Specs are the sample specs of the run. Terms resolve to their
	// owning spec by identity.
	Specs []*SampleSpec

	// Global is the run-wide limits side of the ledger.
	Global *limits.Limits

	// DefaultContent applies to specs whose content kind is inherited.
	DefaultContent pipeline.Content

	// Hashes and Fuzzy select the digests computed per sample.
	Hashes pipeline.HashSelection
	Fuzzy  pipeline.FuzzySelection

	// ReportAll computes digests even for off-limits samples, at the
	// cost of reading their streams into a discarding sink.
	ReportAll bool

	// Logger receives structured diagnostics. Nil disables.
	Logger *zap.Logger

	// Console receives the per-sample operator lines. Nil disables.
	Console io.Writer
}

// Collector consumes Match events, materialises samples and writes the
// evidence table.
//
// Match delivery is synchronous on one goroutine; completion callbacks
// arrive on the archive agent's goroutine, so the sample registry is
// mutex-guarded.
type Collector struct {
	cfg      Config
	appender *archive.Appender // archive mode
	outDir   string            // directory mode

	table  tabular.Writer
	csvBuf *bytes.Buffer // archive-mode table sink
	csvOut *os.File      // directory-mode table sink

	mu       sync.Mutex
	rowMu    sync.Mutex
	seen     map[SampleID]*Sample
	tableErr error

	collected int64
	skipped   int64
}

var (
	matchedLine = color.New(color.FgGreen)
	skippedLine = color.New(color.FgYellow)
	failedLine  = color.New(color.FgRed)
)

// NewArchive creates a collector that streams samples into app and
// adds the evidence table as a final archive item.
func NewArchive(cfg Config, app *archive.Appender) (*Collector, error) {
	c, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}
	c.appender = app
	c.csvBuf = &bytes.Buffer{}
	c.table = tabular.NewCSVWriter(c.csvBuf, tabular.CSVOptions{})
	if err := c.table.SetSchema(evidenceSchema()); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDirectory creates a collector that copies samples to outDir and
// writes the table alongside them.
func NewDirectory(cfg Config, outDir string) (*Collector, error) {
	c, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, cfg.ToolName+".csv"))
	if err != nil {
		return nil, fmt.Errorf("create evidence table: %w", err)
	}
	c.outDir = outDir
	c.csvOut = f
	c.table = tabular.NewCSVWriter(f, tabular.CSVOptions{})
	if err := c.table.SetSchema(evidenceSchema()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func newCollector(cfg Config) (*Collector, error) {
	if cfg.ToolName == "" {
		cfg.ToolName = "GetSamples"
	}
	if cfg.Global == nil {
		cfg.Global = &limits.Limits{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Collector{
		cfg:  cfg,
		seen: map[SampleID]*Sample{},
	}, nil
}

// Collected returns the number of samples collected so far.
func (c *Collector) Collected() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collected
}

// Skipped returns the number of off-limits samples so far.
func (c *Collector) Skipped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

// TableError returns the sticky table integrity error, if any. A
// non-nil value means the set must be aborted; rows committed before
// the violation are preserved.
func (c *Collector) TableError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tableErr
}

// resolveSpec finds the spec owning the match's term.
func (c *Collector) resolveSpec(term *finder.SearchTerm) *SampleSpec {
	for _, s := range c.cfg.Specs {
		if s.Owns(term) {
			return s
		}
	}
	return nil
}

// OnMatch handles one finder match. It is the finder.MatchFunc of the
// run.
func (c *Collector) OnMatch(m *finder.Match) error {
	if len(m.Attributes) == 0 {
		c.cfg.Logger.Debug("match without attributes ignored",
			zap.String("rule", m.Term.Rule))
		return nil
	}
	spec := c.resolveSpec(m.Term)
	if spec == nil {
		c.cfg.Logger.Warn("no spec owns matching term",
			zap.String("rule", m.Term.Rule))
		return nil
	}

	for _, attr := range m.Attributes {
		if err := c.handleAttribute(m, spec, attr); err != nil {
			return err
		}
	}
	return nil
}

// handleAttribute considers one attribute of a match.
func (c *Collector) handleAttribute(m *finder.Match, spec *SampleSpec, attr finder.Attribute) error {
	id := SampleID{
		FRN:          m.FRN,
		AttrIndex:    attr.Index,
		VolumeSerial: m.VolumeSerial,
		SnapshotID:   m.SnapshotID,
	}

	c.mu.Lock()
	if prior, dup := c.seen[id]; dup {
		c.mu.Unlock()
		c.cfg.Logger.Warn("attribute already collected, skipping",
			zap.Uint64("frn", uint64(m.FRN)),
			zap.Int("attribute", attr.Index),
			zap.String("rule", m.Term.Rule))
		// The record stays collected once; the new match only contributes
		// its rows.
		return c.appendAlias(prior, m)
	}

	content := spec.Content.Resolve(c.cfg.DefaultContent)
	// Last matching name wins when aliases exist.
	fullName := m.Names[len(m.Names)-1]
	sample := &Sample{
		ID:          id,
		Spec:        spec,
		Match:       m,
		Attribute:   attr,
		SourcePath:  fullName,
		Content:     content,
		LimitStatus: limits.Classify(c.cfg.Global, &spec.Limits, attr.DataSize),
		Size:        attr.DataSize,
	}
	limits.ChargeOrMark(c.cfg.Global, &spec.Limits, sample.LimitStatus, attr.DataSize)
	if !sample.LimitStatus.OffLimits() {
		sample.ArchiveName = prefixedName(spec,
			sampleFileName(m, attr, fullName, content.Kind))
	}
	c.seen[id] = sample
	c.mu.Unlock()

	return c.dispatch(sample)
}

// appendAlias writes the rows a duplicate match contributes, reusing
// the collected sample's digests when already final.
func (c *Collector) appendAlias(prior *Sample, m *finder.Match) error {
	c.mu.Lock()
	done := !prior.CollectionTime.IsZero() || prior.LimitStatus.OffLimits()
	if !done {
		// Sample still in flight on the archive agent; queue the match for
		// the completion callback.
		prior.aliases = append(prior.aliases, m)
	}
	c.mu.Unlock()
	if done {
		return c.writeRows(prior, m)
	}
	return nil
}

// dispatch routes a classified sample to the archive, the directory or
// straight to the table.
func (c *Collector) dispatch(sample *Sample) error {
	if sample.LimitStatus.OffLimits() {
		return c.completeOffLimits(sample)
	}
	if c.appender != nil {
		return c.dispatchArchive(sample)
	}
	return c.dispatchDirectory(sample)
}

// completeOffLimits produces the sample's rows without archiving it.
// With report-all and at least one crypto digest enabled, the stream is
// still exhausted into a discarding sink purely to fill the digest
// columns.
func (c *Collector) completeOffLimits(sample *Sample) error {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()

	if c.cfg.ReportAll && c.cfg.Hashes.Any() && sample.LimitStatus != limits.StatusFailedToCompute {
		if src, err := sample.Attribute.Open(); err == nil {
			p := pipeline.New(src, pipeline.Config{
				Content: sample.Content,
				Hashes:  c.cfg.Hashes,
				Fuzzy:   c.cfg.Fuzzy,
			})
			if err := p.Drain(); err == nil {
				sample.Digests = p.Finalize()
			}
			_ = src.Close()
		}
	}

	c.printSkipped(sample)
	return c.writeRows(sample, sample.Match)
}

// dispatchArchive enqueues the sample; its completion callback fills
// the digests, writes the rows and prints the operator line.
func (c *Collector) dispatchArchive(sample *Sample) error {
	src, err := sample.Attribute.Open()
	if err != nil {
		return c.failSample(sample, err)
	}
	p := pipeline.New(src, pipeline.Config{
		Content: sample.Content,
		Hashes:  c.cfg.Hashes,
		Fuzzy:   c.cfg.Fuzzy,
	})
	started := time.Now()

	return c.appender.Add(archive.Item{
		Name:   sample.ArchiveName,
		Source: readCloser{p, src},
		OnComplete: func(err error) {
			if err != nil {
				_ = c.failSample(sample, err)
				return
			}
			c.completeCollected(sample, p, started)
		},
	})
}

// dispatchDirectory copies the sample synchronously.
func (c *Collector) dispatchDirectory(sample *Sample) error {
	src, err := sample.Attribute.Open()
	if err != nil {
		return c.failSample(sample, err)
	}
	defer func() { _ = src.Close() }()

	p := pipeline.New(src, pipeline.Config{
		Content: sample.Content,
		Hashes:  c.cfg.Hashes,
		Fuzzy:   c.cfg.Fuzzy,
	})
	started := time.Now()

	dst := filepath.Join(c.outDir, filepath.FromSlash(sample.ArchiveName))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return c.failSample(sample, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return c.failSample(sample, err)
	}
	if _, err := io.Copy(out, p); err != nil {
		_ = out.Close()
		return c.failSample(sample, err)
	}
	if err := out.Close(); err != nil {
		return c.failSample(sample, err)
	}
	c.completeCollected(sample, p, started)
	return nil
}

// completeCollected finalises a collected sample: digests, size,
// profiling counters, table rows and the operator line.
func (c *Collector) completeCollected(sample *Sample, p *pipeline.Pipeline, started time.Time) {
	c.mu.Lock()
	sample.Size = p.BytesRead()
	sample.Digests = p.Finalize()
	sample.CollectionTime = time.Now()
	aliases := sample.aliases
	sample.aliases = nil
	c.collected++
	c.mu.Unlock()

	sample.Match.Term.RecordCollection(time.Since(started), sample.Size)

	c.printCollected(sample)
	_ = c.writeRows(sample, sample.Match)
	for _, alias := range aliases {
		_ = c.writeRows(sample, alias)
	}
}

// failSample records an I/O failure: the row is still written, with
// the failed-to-compute status and no archive entry.
func (c *Collector) failSample(sample *Sample, err error) error {
	c.cfg.Logger.Warn("sample collection failed",
		zap.String("path", sample.SourcePath),
		zap.Error(err))
	c.mu.Lock()
	sample.LimitStatus = limits.StatusFailedToCompute
	sample.ArchiveName = ""
	sample.CollectionTime = time.Now()
	c.skipped++
	c.mu.Unlock()

	if c.cfg.Console != nil {
		failedLine.Fprintf(c.cfg.Console, "%s: %s\n", sample.SourcePath, err)
	}
	return c.writeRows(sample, sample.Match)
}

func (c *Collector) printCollected(sample *Sample) {
	if c.cfg.Console == nil {
		return
	}
	matchedLine.Fprintf(c.cfg.Console, "%s matched (%d bytes)\n", sample.SourcePath, sample.Size)
}

func (c *Collector) printSkipped(sample *Sample) {
	if c.cfg.Console == nil {
		return
	}
	skippedLine.Fprintf(c.cfg.Console, "%s skipped: %s\n", sample.SourcePath, sample.LimitStatus.Reason())
}

// Finish flushes the evidence table and the statistics report into the
// archive or the output directory, then closes the archive. Returns
// the sticky table error when the set must be considered aborted.
func (c *Collector) Finish(ctx context.Context, terms []*finder.SearchTerm) error {
	_ = ctx

	// Barrier: every queued sample item must complete (and write its
	// rows) before the table is snapshotted into the archive.
	if c.appender != nil {
		if err := c.appender.Flush(); err != nil {
			c.cfg.Logger.Warn("archive flush failed", zap.Error(err))
		}
	}

	if err := c.table.Flush(); err != nil {
		c.cfg.Logger.Warn("evidence table flush failed", zap.Error(err))
	}
	if err := c.table.Close(); err != nil {
		c.cfg.Logger.Warn("evidence table close failed", zap.Error(err))
	}

	report := stats.Build(c.cfg.ToolName, terms)

	if c.appender != nil {
		if err := c.appender.Add(archive.Item{
			Name:   c.cfg.ToolName + ".csv",
			Source: bytes.NewReader(c.csvBuf.Bytes()),
		}); err != nil {
			return err
		}
		if data, err := report.Marshal(); err == nil {
			// A statistics write failure is non-fatal.
			_ = c.appender.Add(archive.Item{
				Name:   stats.FileName,
				Source: bytes.NewReader(data),
			})
		}
		if err := c.appender.Close(); err != nil {
			return err
		}
	} else {
		if c.csvOut != nil {
			_ = c.csvOut.Close()
		}
		if f, err := os.Create(filepath.Join(c.outDir, stats.FileName)); err == nil {
			_ = report.Write(f)
			_ = f.Close()
		} else {
			c.cfg.Logger.Warn("statistics report write failed", zap.Error(err))
		}
	}

	return c.TableError()
}

// readCloser pairs the pipeline reader with the underlying stream's
// closer so the appender releases the source.
type readCloser struct {
	io.Reader
	io.Closer
}
