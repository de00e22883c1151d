// Package pipeline composes the per-sample streaming chain: an optional
// printable-string filter, a crypto-digest tap and a fuzzy-digest tap
// stacked over the opened data stream of a matched attribute.
//
// The pipeline is pull-mode: the archive appender (or the directory
// sink) reads the outermost handle until EOF and every tap sees each
// byte exactly once. Digest finalisation is deferred until the consumer
// is done, matching the archive-item completion callback.
package pipeline

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"io"
	"strings"

	"github.com/glaslos/ssdeep"
	"github.com/glaslos/tlsh"
)

// HashSelection enables individual crypto digests.
type HashSelection struct {
	MD5    bool
	SHA1   bool
	SHA256 bool
}

// Any reports whether at least one digest is enabled.
func (h HashSelection) Any() bool { return h.MD5 || h.SHA1 || h.SHA256 }

// ParseHashSelection parses a comma-separated digest list such as
// "MD5,SHA1". Unknown names are ignored.
func ParseHashSelection(csv string) HashSelection {
	var sel HashSelection
	for _, name := range strings.Split(csv, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "md5":
			sel.MD5 = true
		case "sha1":
			sel.SHA1 = true
		case "sha256":
			sel.SHA256 = true
		}
	}
	return sel
}

// FuzzySelection enables individual fuzzy digests.
type FuzzySelection struct {
	SSDeep bool
	TLSH   bool
}

// Any reports whether at least one fuzzy digest is enabled.
func (f FuzzySelection) Any() bool { return f.SSDeep || f.TLSH }

// ParseFuzzySelection parses a comma-separated fuzzy digest list such
// as "ssdeep,tlsh". Unknown names are ignored.
func ParseFuzzySelection(csv string) FuzzySelection {
	var sel FuzzySelection
	for _, name := range strings.Split(csv, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ssdeep":
			sel.SSDeep = true
		case "tlsh":
			sel.TLSH = true
		}
	}
	return sel
}

// Digests holds the finalised digest values of one sample. Disabled or
// uncomputable digests are empty.
type Digests struct {
	MD5    []byte
	SHA1   []byte
	SHA256 []byte
	SSDeep string
	TLSH   string
}

// Config configures a pipeline instance.
type Config struct {
	// Content selects the collection mode; KindStrings inserts the
	// printable-string filter.
	Content Content

	// Hashes selects the crypto digests updated as bytes flow through.
	Hashes HashSelection

	// Fuzzy selects the fuzzy digests computed over the streamed bytes.
	Fuzzy FuzzySelection

	// FuzzyBufferCap bounds the bytes retained for fuzzy hashing. Streams
	// larger than the cap yield empty fuzzy digests. Default 64 MiB.
	FuzzyBufferCap int64
}

// DefaultFuzzyBufferCap bounds fuzzy-hash buffering.
const DefaultFuzzyBufferCap int64 = 64 << 20

// Pipeline is the composed reader chain for one sample.
//
// Read the pipeline to EOF, then call Finalize to obtain the digests;
// BytesRead gives the post-filter byte count.
type Pipeline struct {
	outer io.Reader

	md5h    hash.Hash
	sha1h   hash.Hash
	sha256h hash.Hash

	fuzzy     FuzzySelection
	fuzzyBuf  []byte
	fuzzyCap  int64
	fuzzyOver bool

	bytesOut int64
}

// New builds the pipeline over the opened data stream.
func New(src io.Reader, cfg Config) *Pipeline {
	p := &Pipeline{
		fuzzy:    cfg.Fuzzy,
		fuzzyCap: cfg.FuzzyBufferCap,
	}
	if p.fuzzyCap <= 0 {
		p.fuzzyCap = DefaultFuzzyBufferCap
	}

	r := src
	if cfg.Content.Kind == KindStrings {
		r = newStringsReader(r, cfg.Content.MinChars, cfg.Content.MaxChars)
	}
	if cfg.Hashes.MD5 {
		p.md5h = md5.New()
	}
	if cfg.Hashes.SHA1 {
		p.sha1h = sha1.New()
	}
	if cfg.Hashes.SHA256 {
		p.sha256h = sha256.New()
	}
	p.outer = r
	return p
}

// Read implements io.Reader; it is the copy-source handed to the
// archive or directory sink.
func (p *Pipeline) Read(buf []byte) (int, error) {
	n, err := p.outer.Read(buf)
	if n > 0 {
		chunk := buf[:n]
		p.bytesOut += int64(n)
		if p.md5h != nil {
			p.md5h.Write(chunk)
		}
		if p.sha1h != nil {
			p.sha1h.Write(chunk)
		}
		if p.sha256h != nil {
			p.sha256h.Write(chunk)
		}
		if p.fuzzy.Any() && !p.fuzzyOver {
			if int64(len(p.fuzzyBuf))+int64(n) > p.fuzzyCap {
				p.fuzzyOver = true
				p.fuzzyBuf = nil
			} else {
				p.fuzzyBuf = append(p.fuzzyBuf, chunk...)
			}
		}
	}
	return n, err
}

// BytesRead returns the number of bytes delivered downstream, after any
// strings filtering. This is the sample size recorded in the table.
func (p *Pipeline) BytesRead() int64 { return p.bytesOut }

// Drain exhausts the pipeline into a discarding sink. Used for
// off-limits samples when report-all requires digest columns to be
// filled without archiving any bytes.
func (p *Pipeline) Drain() error {
	_, err := io.Copy(io.Discard, p)
	return err
}

// Finalize computes and returns the digests. Call once, after EOF.
func (p *Pipeline) Finalize() Digests {
	var d Digests
	if p.md5h != nil {
		d.MD5 = p.md5h.Sum(nil)
	}
	if p.sha1h != nil {
		d.SHA1 = p.sha1h.Sum(nil)
	}
	if p.sha256h != nil {
		d.SHA256 = p.sha256h.Sum(nil)
	}
	if p.fuzzy.SSDeep && !p.fuzzyOver && len(p.fuzzyBuf) > 0 {
		if h, err := ssdeep.FuzzyBytes(p.fuzzyBuf); err == nil {
			d.SSDeep = h
		}
	}
	if p.fuzzy.TLSH && !p.fuzzyOver && len(p.fuzzyBuf) > 0 {
		if h, err := tlsh.HashBytes(p.fuzzyBuf); err == nil {
			d.TLSH = h.String()
		}
	}
	p.fuzzyBuf = nil
	return d
}
