package finder

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// WalkerConfig configures the directory-tree walker.
type WalkerConfig struct {
	// Roots are the directories walked as volumes. At least one is
	// required.
	Roots []string

	// Terms are the predicates evaluated against every file.
	Terms []*SearchTerm

	// Excludes are glob patterns; matching paths are skipped.
	Excludes []string

	// RateLimit caps file evaluations per second. Zero means unlimited.
	RateLimit float64

	// Resurrect is the resurrect-records mode. The generic walker has no
	// deleted records to surface; the flag is carried for parity with
	// MFT-backed finders.
	Resurrect string

	// SnapshotID marks matches as read from a shadow snapshot.
	// uuid.Nil means the live volume.
	SnapshotID uuid.UUID
}

// Errors returned by the walker.
var (
	// ErrNoRoots is returned when no roots are configured.
	ErrNoRoots = errors.New("at least one root directory is required")

	// ErrNoTerms is returned when no search terms are configured.
	ErrNoTerms = errors.New("at least one search term is required")
)

// Walker is a FileFinder over ordinary directory trees. Matching is
// case-insensitive, following NTFS name semantics.
//
// Walker is safe for single use only.
type Walker struct {
	cfg      WalkerConfig
	terms    []*SearchTerm
	excludes []string
	limiter  *rate.Limiter
}

var _ FileFinder = (*Walker)(nil)

// NewWalker creates a walker and validates its patterns.
func NewWalker(cfg WalkerConfig) (*Walker, error) {
	if len(cfg.Roots) == 0 {
		return nil, ErrNoRoots
	}
	if len(cfg.Terms) == 0 {
		return nil, ErrNoTerms
	}
	for _, t := range cfg.Terms {
		if t.Kind == TermYara {
			continue
		}
		if !doublestar.ValidatePattern(foldPattern(t.Pattern)) {
			return nil, errors.New("invalid glob pattern: " + t.Pattern)
		}
	}
	excludes := make([]string, 0, len(cfg.Excludes))
	for _, pat := range cfg.Excludes {
		folded := foldPattern(pat)
		if !doublestar.ValidatePattern(folded) {
			return nil, errors.New("invalid exclude pattern: " + pat)
		}
		excludes = append(excludes, folded)
	}

	w := &Walker{cfg: cfg, terms: cfg.Terms, excludes: excludes}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return w, nil
}

// Terms returns the configured search terms.
func (w *Walker) Terms() []*SearchTerm { return w.terms }

// foldPattern lower-cases a glob while normalising backslash
// separators, so matching is case-insensitive like NTFS.
func foldPattern(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}

// Find walks every root and synchronously delivers matches.
func (w *Walker) Find(ctx context.Context, onMatch MatchFunc) error {
	for _, root := range w.cfg.Roots {
		volumeSerial := xxhash.Sum64String(filepath.Clean(root))
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped, not fatal.
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			folded := strings.ToLower(filepath.ToSlash(rel))
			for _, ex := range w.excludes {
				if ok, _ := doublestar.Match(ex, folded); ok {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return w.evaluate(path, folded, volumeSerial, d, onMatch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// evaluate tests one file against every term and delivers one Match per
// firing term.
func (w *Walker) evaluate(path, folded string, volumeSerial uint64, d fs.DirEntry, onMatch MatchFunc) error {
	base := strings.ToLower(filepath.Base(path))

	var fired []*SearchTerm
	for _, t := range w.terms {
		start := time.Now()
		matched := false
		switch t.Kind {
		case TermName:
			matched, _ = doublestar.Match(foldPattern(t.Pattern), base)
		case TermPath:
			matched, _ = doublestar.Match(foldPattern(t.Pattern), folded)
		case TermYara:
			// Yara evaluation is the MFT walker's concern; the generic
			// walker counts the term as a miss without reading bytes.
		}
		t.RecordMatch(time.Since(start), 0, matched)
		if matched {
			fired = append(fired, t)
		}
	}
	if len(fired) == 0 {
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return nil
	}
	frn, parentFRN := recordNumbers(path, info)
	mtime := info.ModTime()
	ts := Timestamps{
		SICreate: mtime, SILastMod: mtime, SILastAccess: mtime, SILastChange: mtime,
		FNCreate: mtime, FNLastMod: mtime, FNLastAccess: mtime, FNLastChange: mtime,
	}

	for _, t := range fired {
		m := &Match{
			Term:         t,
			VolumeSerial: volumeSerial,
			SnapshotID:   w.cfg.SnapshotID,
			FRN:          frn,
			ParentFRN:    parentFRN,
			Names:        []string{path},
			Timestamps:   ts,
			InUse:        true,
			Attributes: []Attribute{{
				Index:    0,
				TypeCode: AttrData,
				DataSize: info.Size(),
				Open: func() (io.ReadCloser, error) {
					return os.Open(path)
				},
			}},
		}
		if err := onMatch(m); err != nil {
			return err
		}
	}
	return nil
}
