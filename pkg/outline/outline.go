// Package outline builds the pre-run (Outline) and post-run (Outcome)
// manifests describing a collection campaign.
//
// Both documents share the "dfir-orc" JSON root carrying tool identity,
// command line, the launching mothership process, the system identity
// block and the planned archives. The Outcome adds the end time, the
// files actually produced and the encryption recipients.
package outline

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Version is the manifest schema version.
const Version = "1.0"

// ProcessInfo identifies a process by command line and binary digest.
type ProcessInfo struct {
	CommandLine string `json:"command_line,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
}

// SelfInfo identifies the running collector.
type SelfInfo struct {
	Version     string `json:"version"`
	SHA1        string `json:"sha1,omitempty"`
	CommandLine string `json:"command_line"`
}

// SystemIdentity describes the collected host.
type SystemIdentity struct {
	ComputerName string `json:"computer_name"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	User         string `json:"user,omitempty"`
}

// ArchiveEntry is one planned or produced command set.
type ArchiveEntry struct {
	Keyword  string   `json:"keyword"`
	FileName string   `json:"file_name"`
	Commands []string `json:"commands,omitempty"`
}

// Recipient is an encryption target attached to the campaign.
type Recipient struct {
	// Name identifies the recipient.
	Name string `json:"name"`

	// Certificate is the recipient's PEM certificate.
	Certificate string `json:"-"`
}

// MarshalJSON renders the certificate as base64 PEM with its header
// kept intact.
func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string `json:"name"`
		Certificate string `json:"certificate,omitempty"`
	}{
		Name:        r.Name,
		Certificate: base64.StdEncoding.EncodeToString([]byte(r.Certificate)),
	})
}

// CollectSystemIdentity gathers the host identity block.
func CollectSystemIdentity() SystemIdentity {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	return SystemIdentity{
		ComputerName: host,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		User:         user,
	}
}

// Outline is the pre-run manifest.
type Outline struct {
	ComputerName string         `json:"computer_name"`
	TimestampKey string         `json:"timestamp"`
	Start        time.Time      `json:"start"`
	Mothership   ProcessInfo    `json:"mothership"`
	Self         SelfInfo       `json:"dfir_orc_self"`
	System       SystemIdentity `json:"system"`
	Archives     []ArchiveEntry `json:"archives"`
}

// Marshal renders the outline document under the dfir-orc root.
func (o *Outline) Marshal(tool string) ([]byte, error) {
	return marshalRoot(tool, o)
}

// Write renders the outline document to w.
func (o *Outline) Write(w io.Writer, tool string) error {
	data, err := o.Marshal(tool)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Outcome is the post-run manifest. It is mutated from the
// orchestrator under an explicit lock scope.
type Outcome struct {
	mu sync.Mutex

	ComputerName    string         `json:"computer_name"`
	TimestampKey    string         `json:"timestamp"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	Mothership      ProcessInfo    `json:"mothership"`
	Self            SelfInfo       `json:"dfir_orc_self"`
	System          SystemIdentity `json:"system"`
	Archives        []ArchiveEntry `json:"archives"`
	ConsoleFileName string         `json:"console_file,omitempty"`
	LogFileName     string         `json:"log_file,omitempty"`
	OutlineFileName string         `json:"outline_file,omitempty"`
	Recipients      []Recipient    `json:"recipients,omitempty"`
}

// WithLock runs fn with exclusive access to the outcome's fields.
func (o *Outcome) WithLock(fn func(*Outcome)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

// Marshal renders the outcome document under the dfir-orc root.
func (o *Outcome) Marshal(tool string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// Copy without the mutex for serialisation.
	snapshot := struct {
		ComputerName    string         `json:"computer_name"`
		TimestampKey    string         `json:"timestamp"`
		Start           time.Time      `json:"start"`
		End             time.Time      `json:"end"`
		Mothership      ProcessInfo    `json:"mothership"`
		Self            SelfInfo       `json:"dfir_orc_self"`
		System          SystemIdentity `json:"system"`
		Archives        []ArchiveEntry `json:"archives"`
		ConsoleFileName string         `json:"console_file,omitempty"`
		LogFileName     string         `json:"log_file,omitempty"`
		OutlineFileName string         `json:"outline_file,omitempty"`
		Recipients      []Recipient    `json:"recipients,omitempty"`
	}{
		o.ComputerName, o.TimestampKey, o.Start, o.End, o.Mothership,
		o.Self, o.System, o.Archives, o.ConsoleFileName, o.LogFileName,
		o.OutlineFileName, o.Recipients,
	}
	return marshalRoot(tool, snapshot)
}

// Write renders the outcome document to w.
func (o *Outcome) Write(w io.Writer, tool string) error {
	data, err := o.Marshal(tool)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// TimestampKey derives the campaign's timestamp key, used to group
// uploaded files, from the start time.
func TimestampKey(start time.Time) string {
	return start.UTC().Format("20060102_150405")
}

// marshalRoot nests the payload under {"version","dfir-orc":{tool:...}}.
func marshalRoot(tool string, payload any) ([]byte, error) {
	doc := map[string]any{
		"version": Version,
		"dfir-orc": map[string]any{
			strings.TrimSpace(tool): payload,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}
