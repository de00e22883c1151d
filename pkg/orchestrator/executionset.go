package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dfirkit/gograb/pkg/collector"
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/limits"
	"github.com/dfirkit/gograb/pkg/manifest"
	"github.com/dfirkit/gograb/pkg/pipeline"
)

// RepeatPolicy decides how a set handles a pre-existing output.
type RepeatPolicy int

const (
	// RepeatOnce skips the set when its output exists, but still
	// uploads the existing file.
	RepeatOnce RepeatPolicy = iota

	// RepeatOverwrite replaces an existing output.
	RepeatOverwrite

	// RepeatNotImplemented is carried for configuration compatibility
	// and treated as RepeatOnce.
	RepeatNotImplemented
)

// String returns the policy name.
func (p RepeatPolicy) String() string {
	switch p {
	case RepeatOverwrite:
		return "overwrite"
	case RepeatNotImplemented:
		return "not-implemented"
	default:
		return "once"
	}
}

// ParseRepeatPolicy parses a policy name.
func ParseRepeatPolicy(s string) (RepeatPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return RepeatOnce, nil
	case "overwrite":
		return RepeatOverwrite, nil
	default:
		return RepeatOnce, fmt.Errorf("unknown repeat policy: %q", s)
	}
}

// CollectionJob is the in-process collection a set drives.
type CollectionJob struct {
	Roots          []string
	Excludes       []string
	Specs          []*collector.SampleSpec
	Terms          []*finder.SearchTerm
	Global         limits.Limits
	DefaultContent pipeline.Content
}

// ExecutionSet is one orchestrated command set.
type ExecutionSet struct {
	// Keyword names the set.
	Keyword string

	// ArchiveFileName is the produced archive's file name.
	ArchiveFileName string

	// OutputFullPath is the archive's full local path.
	OutputFullPath string

	// Commands are opaque command lines run out of process before the
	// collection job.
	Commands []string

	// Repeat is the pre-existing-output policy.
	Repeat RepeatPolicy

	// Optional sets are logged and skipped.
	Optional bool

	// Upload requests upload of the produced archive.
	Upload bool

	// Concurrency caps parallel command executions.
	Concurrency int

	// Collection, when set, is the set's in-process collection job.
	Collection *CollectionJob
}

// SetsFromManifest converts manifest sets into execution sets.
func SetsFromManifest(m *manifest.Manifest) ([]*ExecutionSet, error) {
	out := make([]*ExecutionSet, 0, len(m.Sets))
	for i := range m.Sets {
		sc := &m.Sets[i]
		repeat, err := ParseRepeatPolicy(sc.Repeat)
		if err != nil {
			return nil, err
		}
		set := &ExecutionSet{
			Keyword:         sc.Keyword,
			ArchiveFileName: sc.Archive,
			OutputFullPath:  filepath.Join(m.Output.Directory, sc.Archive),
			Commands:        sc.Commands,
			Repeat:          repeat,
			Optional:        sc.Optional,
			Upload:          sc.Upload,
			Concurrency:     sc.Concurrency,
		}
		if len(sc.Samples) > 0 {
			job, err := collectionJobFromSet(sc)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", sc.Keyword, err)
			}
			set.Collection = job
		}
		out = append(out, set)
	}
	return out, nil
}

func collectionJobFromSet(sc *manifest.SetConfig) (*CollectionJob, error) {
	defaultContent, err := contentFromConfig(sc.Content, sc.MinChars, sc.MaxChars)
	if err != nil {
		return nil, err
	}
	if defaultContent.Kind == pipeline.KindInvalid {
		defaultContent.Kind = pipeline.KindData
	}

	job := &CollectionJob{
		Roots:          sc.Roots,
		Excludes:       sc.Excludes,
		Global:         limitsFromConfig(sc.MaxPerSampleBytes, sc.MaxTotalBytes, sc.MaxSampleCount, sc.NoLimits),
		DefaultContent: defaultContent,
	}
	for i := range sc.Samples {
		sm := &sc.Samples[i]
		content, err := contentFromConfig(sm.Content, sm.MinChars, sm.MaxChars)
		if err != nil {
			return nil, err
		}
		spec := &collector.SampleSpec{
			Name:    sm.Name,
			Content: content,
			Limits:  limitsFromConfig(sm.MaxPerSampleBytes, sm.MaxTotalBytes, sm.MaxSampleCount, false),
		}
		for _, pat := range sm.Patterns {
			spec.Terms = append(spec.Terms, TermFromPattern(pat))
		}
		job.Specs = append(job.Specs, spec)
		job.Terms = append(job.Terms, spec.Terms...)
	}
	return job, nil
}

// TermFromPattern builds a search term from a CLI or manifest pattern.
// A leading backslash or slash makes it a path match, else a name
// match.
func TermFromPattern(pattern string) *finder.SearchTerm {
	kind := finder.TermName
	body := pattern
	if strings.HasPrefix(pattern, `\`) || strings.HasPrefix(pattern, "/") {
		kind = finder.TermPath
		body = strings.TrimLeft(pattern, `\/`)
	}
	return &finder.SearchTerm{Rule: pattern, Kind: kind, Pattern: body}
}

func contentFromConfig(kind string, minChars, maxChars int) (pipeline.Content, error) {
	k, err := pipeline.ParseContentKind(kind)
	if err != nil {
		return pipeline.Content{}, err
	}
	return pipeline.Content{Kind: k, MinChars: minChars, MaxChars: maxChars}, nil
}

func limitsFromConfig(perSample, total, count *int64, noLimits bool) limits.Limits {
	l := limits.Limits{IgnoreAll: noLimits}
	if perSample != nil {
		l.MaxPerSampleBytes = *perSample
		l.MaxPerSampleBytesSet = true
	}
	if total != nil {
		l.MaxTotalBytes = *total
		l.MaxTotalBytesSet = true
	}
	if count != nil {
		l.MaxSampleCount = *count
		l.MaxSampleCountSet = true
	}
	return l
}
