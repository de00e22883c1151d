// Package manifest provides loading and validation of campaign
// manifests.
//
// A campaign manifest is a YAML or JSON file describing the command
// sets a collection campaign executes: one archive per set, with
// repeat/skip policy, optional upload, and the commands the set runs.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	tool: WolfLauncher
//	output:
//	  directory: /evidence
//	upload:
//	  store: s3
//	  bucket: dfir-evidence
//	  mode: move
//	sets:
//	  - keyword: Quick
//	    archive: Quick.zip
//	    repeat: once
//	    upload: true
//	    commands:
//	      - getsamples --out Quick.zip --sample "*.ini"
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest represents a validated campaign manifest.
type Manifest struct {
	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Tool names the campaign in manifests and logs. Default
	// "WolfLauncher".
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`

	// Output configures where archives are produced.
	Output OutputConfig `json:"output" yaml:"output"`

	// Upload configures the evidence upload destination. Optional.
	Upload *UploadConfig `json:"upload,omitempty" yaml:"upload,omitempty"`

	// Recipients are encryption targets recorded in the outcome.
	Recipients []RecipientConfig `json:"recipients,omitempty" yaml:"recipients,omitempty"`

	// Sets are the command sets, executed in order.
	Sets []SetConfig `json:"sets" yaml:"sets"`
}

// OutputConfig configures archive production.
type OutputConfig struct {
	// Directory receives the per-set archives.
	Directory string `json:"directory" yaml:"directory"`

	// Password seals every produced archive. Optional.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Compression is the target level name (default "normal").
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`
}

// UploadConfig configures the upload destination.
type UploadConfig struct {
	// Store selects the destination kind: "file" or "s3".
	Store string `json:"store" yaml:"store"`

	// Root is the share root for file stores.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Bucket, Region, Endpoint, Profile configure S3 stores.
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Prefix is prepended to every uploaded key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Mode is "copy" (default) or "move".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// RecipientConfig is one encryption target.
type RecipientConfig struct {
	// Name identifies the recipient.
	Name string `json:"name" yaml:"name"`

	// CertificateFile is a path to the recipient's PEM certificate.
	CertificateFile string `json:"certificate_file,omitempty" yaml:"certificate_file,omitempty"`

	// Certificate is the inline PEM certificate.
	Certificate string `json:"certificate,omitempty" yaml:"certificate,omitempty"`
}

// SetConfig is one command set.
type SetConfig struct {
	// Keyword names the set.
	Keyword string `json:"keyword" yaml:"keyword"`

	// Archive is the archive file name produced by the set.
	Archive string `json:"archive" yaml:"archive"`

	// Repeat is "once" (skip when output exists, default) or
	// "overwrite".
	Repeat string `json:"repeat,omitempty" yaml:"repeat,omitempty"`

	// Optional sets are logged and skipped.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Upload requests upload of the produced archive.
	Upload bool `json:"upload,omitempty" yaml:"upload,omitempty"`

	// Concurrency caps the set's parallel command executions. Default 1.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Commands are opaque command lines run out of process.
	Commands []string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// Roots are the volumes walked by the set's collection job.
	Roots []string `json:"roots,omitempty" yaml:"roots,omitempty"`

	// Samples are the set's sample specs.
	Samples []SampleConfig `json:"samples,omitempty" yaml:"samples,omitempty"`

	// Excludes are glob patterns skipped during the walk.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Global limits of the set's collection job.
	MaxPerSampleBytes *int64 `json:"max_per_sample_bytes,omitempty" yaml:"max_per_sample_bytes,omitempty"`
	MaxTotalBytes     *int64 `json:"max_total_bytes,omitempty" yaml:"max_total_bytes,omitempty"`
	MaxSampleCount    *int64 `json:"max_sample_count,omitempty" yaml:"max_sample_count,omitempty"`
	NoLimits          bool   `json:"no_limits,omitempty" yaml:"no_limits,omitempty"`

	// Content is the set's default content kind ("data", "strings",
	// "raw"), with run bounds for strings mode.
	Content  string `json:"content,omitempty" yaml:"content,omitempty"`
	MinChars int    `json:"min_chars,omitempty" yaml:"min_chars,omitempty"`
	MaxChars int    `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
}

// SampleConfig is one sample spec of a set's collection job.
type SampleConfig struct {
	// Name prefixes the spec's samples inside the archive.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Patterns are the spec's search terms. A leading backslash or
	// slash makes a pattern a path match, else a name match.
	Patterns []string `json:"patterns" yaml:"patterns"`

	// Content overrides the set's content kind for this spec.
	Content  string `json:"content,omitempty" yaml:"content,omitempty"`
	MinChars int    `json:"min_chars,omitempty" yaml:"min_chars,omitempty"`
	MaxChars int    `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`

	// Spec-local limits.
	MaxPerSampleBytes *int64 `json:"max_per_sample_bytes,omitempty" yaml:"max_per_sample_bytes,omitempty"`
	MaxTotalBytes     *int64 `json:"max_total_bytes,omitempty" yaml:"max_total_bytes,omitempty"`
	MaxSampleCount    *int64 `json:"max_sample_count,omitempty" yaml:"max_sample_count,omitempty"`
}

// Errors returned by manifest loading.
var (
	// ErrEmptyManifest is returned for empty manifest files.
	ErrEmptyManifest = errors.New("manifest file is empty")

	// ErrNoSets is returned when the manifest declares no sets.
	ErrNoSets = errors.New("manifest declares no command sets")
)

// ValidationError reports a manifest field violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "manifest: " + e.Field + ": " + e.Message
}

// Load reads and validates a manifest from the given file path.
//
// The file is decoded as YAML whatever its extension; JSON manifests
// are accepted because YAML parses them too.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	// Resolve certificate files relative to the manifest.
	base := filepath.Dir(path)
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.Certificate != "" || r.CertificateFile == "" {
			continue
		}
		certPath := r.CertificateFile
		if !filepath.IsAbs(certPath) {
			certPath = filepath.Join(base, certPath)
		}
		pem, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read recipient certificate: %w", err)
		}
		r.Certificate = string(pem)
	}
	return m, nil
}

// LoadFromBytes parses and validates a manifest from raw bytes.
func LoadFromBytes(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyManifest
	}
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Tool == "" {
		m.Tool = "WolfLauncher"
	}
	if m.Output.Compression == "" {
		m.Output.Compression = "normal"
	}
	if m.Upload != nil && m.Upload.Mode == "" {
		m.Upload.Mode = "copy"
	}
	for i := range m.Sets {
		if m.Sets[i].Repeat == "" {
			m.Sets[i].Repeat = "once"
		}
		if m.Sets[i].Concurrency <= 0 {
			m.Sets[i].Concurrency = 1
		}
	}
}

// Validate checks required fields and enum values.
func (m *Manifest) Validate() error {
	if m.Version != "1.0" {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %q", m.Version)}
	}
	if m.Output.Directory == "" {
		return &ValidationError{Field: "output.directory", Message: "output directory is required"}
	}
	if len(m.Sets) == 0 {
		return ErrNoSets
	}
	seen := map[string]bool{}
	for i, s := range m.Sets {
		field := fmt.Sprintf("sets[%d]", i)
		if s.Keyword == "" {
			return &ValidationError{Field: field + ".keyword", Message: "keyword is required"}
		}
		if s.Archive == "" {
			return &ValidationError{Field: field + ".archive", Message: "archive file name is required"}
		}
		if seen[s.Keyword] {
			return &ValidationError{Field: field + ".keyword", Message: "duplicate keyword " + s.Keyword}
		}
		seen[s.Keyword] = true
		switch s.Repeat {
		case "once", "overwrite":
		default:
			return &ValidationError{Field: field + ".repeat", Message: fmt.Sprintf("unknown repeat policy %q", s.Repeat)}
		}
		if len(s.Samples) > 0 && len(s.Roots) == 0 {
			return &ValidationError{Field: field + ".roots", Message: "roots are required when samples are declared"}
		}
		for j, sm := range s.Samples {
			if len(sm.Patterns) == 0 {
				return &ValidationError{
					Field:   fmt.Sprintf("%s.samples[%d].patterns", field, j),
					Message: "at least one pattern is required",
				}
			}
		}
	}
	if m.Upload != nil {
		switch m.Upload.Store {
		case "file":
			if m.Upload.Root == "" {
				return &ValidationError{Field: "upload.root", Message: "file store root is required"}
			}
		case "s3":
			if m.Upload.Bucket == "" {
				return &ValidationError{Field: "upload.bucket", Message: "s3 bucket is required"}
			}
		default:
			return &ValidationError{Field: "upload.store", Message: fmt.Sprintf("unknown store %q", m.Upload.Store)}
		}
		switch m.Upload.Mode {
		case "copy", "move":
		default:
			return &ValidationError{Field: "upload.mode", Message: fmt.Sprintf("unknown mode %q", m.Upload.Mode)}
		}
	}
	return nil
}
