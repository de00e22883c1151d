// Package orchestrator sequences collection command sets: per-set
// pre-flight repeat decisions, out-of-process command execution, the
// in-process collection job, archive finalisation, upload wiring and
// the outline/outcome manifests.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/dfirkit/gograb/pkg/archive"
	"github.com/dfirkit/gograb/pkg/collector"
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/manifest"
	"github.com/dfirkit/gograb/pkg/outline"
	"github.com/dfirkit/gograb/pkg/pipeline"
	"github.com/dfirkit/gograb/pkg/provider"
	"github.com/dfirkit/gograb/pkg/provider/file"
	s3store "github.com/dfirkit/gograb/pkg/provider/s3"
	"github.com/dfirkit/gograb/pkg/robustness"
	"github.com/dfirkit/gograb/pkg/upload"
)

// CollectorToolName names the per-set evidence table.
const CollectorToolName = "GetSamples"

// Config configures an Orchestrator.
type Config struct {
	// Manifest is the campaign manifest.
	Manifest *manifest.Manifest

	// Version is the tool version recorded in manifests.
	Version string

	// CommandLine is the invoking command line.
	CommandLine string

	// Mothership identifies the launching process.
	Mothership outline.ProcessInfo

	// Hashes and Fuzzy select per-sample digests.
	Hashes pipeline.HashSelection
	Fuzzy  pipeline.FuzzySelection

	// ReportAll computes digests for off-limits samples too.
	ReportAll bool

	// Resurrect is passed through to the walker.
	Resurrect string

	// Logger receives structured diagnostics. Nil disables.
	Logger *zap.Logger

	// Console receives operator output. Nil disables.
	Console io.Writer

	// ConsoleFileName and LogFileName are the rolling output files
	// re-uploaded at campaign end.
	ConsoleFileName string
	LogFileName     string

	// Guards are environmental acquisitions scoped to the run.
	Guards []Guard

	// Registry is the termination registry. Nil uses the process-wide
	// default.
	Registry *robustness.Registry
}

// Orchestrator drives a campaign.
type Orchestrator struct {
	cfg      Config
	sets     []*ExecutionSet
	store    provider.Store
	agent    *upload.Agent
	outcome  *outline.Outcome
	uploadTo *manifest.UploadConfig
	level    archive.Level
}

// New creates an orchestrator from the configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = robustness.Default
	}
	sets, err := SetsFromManifest(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	level, err := archive.ParseLevel(cfg.Manifest.Output.Compression)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		sets:     sets,
		outcome:  &outline.Outcome{},
		uploadTo: cfg.Manifest.Upload,
		level:    level,
	}
	return o, nil
}

// Keywords enumerates the planned sets without executing anything.
func (o *Orchestrator) Keywords(w io.Writer) error {
	for _, set := range o.sets {
		fmt.Fprintf(w, "%s\t%s", set.Keyword, set.ArchiveFileName)
		if set.Optional {
			fmt.Fprint(w, "\t(optional)")
		}
		fmt.Fprintln(w)
		for _, cmd := range set.Commands {
			fmt.Fprintf(w, "\t%s\n", cmd)
		}
		if set.Collection != nil {
			for _, spec := range set.Collection.Specs {
				for _, term := range spec.Terms {
					fmt.Fprintf(w, "\tsample %s: %s\n", spec.Name, term.Rule)
				}
			}
		}
	}
	return nil
}

// openStore builds the upload store named by the manifest.
func (o *Orchestrator) openStore(ctx context.Context) (provider.Store, error) {
	switch o.uploadTo.Store {
	case "file":
		return file.New(o.uploadTo.Root)
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Bucket:   o.uploadTo.Bucket,
			Region:   o.uploadTo.Region,
			Endpoint: o.uploadTo.Endpoint,
			Profile:  o.uploadTo.Profile,
			Prefix:   o.uploadTo.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown upload store: %q", o.uploadTo.Store)
	}
}

// Run executes every set, then assembles and uploads the outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := time.Now()
	key := outline.TimestampKey(start)
	system := outline.CollectSystemIdentity()
	outDir := o.cfg.Manifest.Output.Directory
	log := o.cfg.Logger

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	release := acquireGuards(o.cfg.Guards, log)
	defer release()

	if o.uploadTo != nil {
		store, err := o.openStore(ctx)
		if err != nil {
			return fmt.Errorf("open upload store: %w", err)
		}
		o.store = store
		o.agent = upload.NewAgent(store, log)
	}

	// Planned archives, recorded up front for the outline.
	planned := make([]outline.ArchiveEntry, 0, len(o.sets))
	for _, set := range o.sets {
		planned = append(planned, outline.ArchiveEntry{
			Keyword:  set.Keyword,
			FileName: set.ArchiveFileName,
			Commands: set.Commands,
		})
	}

	ol := &outline.Outline{
		ComputerName: system.ComputerName,
		TimestampKey: key,
		Start:        start.UTC(),
		Mothership:   o.cfg.Mothership,
		Self: outline.SelfInfo{
			Version:     o.cfg.Version,
			CommandLine: o.cfg.CommandLine,
		},
		System:   system,
		Archives: planned,
	}
	outlinePath := filepath.Join(outDir, "Outline.json")
	o.writeManifestFile(outlinePath, func(w io.Writer) error {
		return ol.Write(w, o.cfg.Manifest.Tool)
	})
	o.requestUpload(outlinePath, key, upload.ModeCopy)

	o.outcome.WithLock(func(oc *outline.Outcome) {
		oc.ComputerName = system.ComputerName
		oc.TimestampKey = key
		oc.Start = start.UTC()
		oc.Mothership = o.cfg.Mothership
		oc.Self = outline.SelfInfo{Version: o.cfg.Version, CommandLine: o.cfg.CommandLine}
		oc.System = system
		oc.ConsoleFileName = o.cfg.ConsoleFileName
		oc.LogFileName = o.cfg.LogFileName
		oc.OutlineFileName = "Outline.json"
		for _, r := range o.cfg.Manifest.Recipients {
			oc.Recipients = append(oc.Recipients, outline.Recipient{
				Name:        r.Name,
				Certificate: r.Certificate,
			})
		}
	})

	for _, set := range o.sets {
		if ctx.Err() != nil {
			break
		}
		if err := o.runSet(ctx, set, key); err != nil {
			// Per-set failures are contained; the campaign continues.
			log.Error("command set failed",
				zap.String("keyword", set.Keyword),
				zap.Error(err))
		}
	}

	o.outcome.WithLock(func(oc *outline.Outcome) {
		oc.End = time.Now().UTC()
	})
	outcomePath := filepath.Join(outDir, "Outcome.json")
	o.writeManifestFile(outcomePath, func(w io.Writer) error {
		return o.outcome.Write(w, o.cfg.Manifest.Tool)
	})
	o.requestUpload(outcomePath, key, upload.ModeCopy)

	// Re-upload the rolling console and log files.
	o.requestUpload(o.cfg.ConsoleFileName, key, upload.ModeCopy)
	o.requestUpload(o.cfg.LogFileName, key, upload.ModeCopy)

	var uploadErr error
	if o.agent != nil {
		// Drop the orchestrator's handle before waiting so the agent can
		// drain on the cancellation path.
		agent := o.agent
		o.agent = nil
		uploadErr = agent.Complete(context.WithoutCancel(ctx))
		_ = o.store.Close()
	}

	if o.cfg.Console != nil {
		color.New(color.FgCyan).Fprintf(o.cfg.Console,
			"campaign finished in %s\n", time.Since(start).Round(time.Millisecond))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return uploadErr
}

// writeManifestFile renders a manifest file; failures are logged, not
// fatal.
func (o *Orchestrator) writeManifestFile(path string, write func(io.Writer) error) {
	f, err := os.Create(path)
	if err != nil {
		o.cfg.Logger.Warn("manifest write failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := write(f); err != nil {
		o.cfg.Logger.Warn("manifest write failed", zap.String("path", path), zap.Error(err))
	}
	_ = f.Close()
}

// requestUpload enqueues a file when uploading is configured and the
// file exists.
func (o *Orchestrator) requestUpload(localPath, key string, mode upload.Mode) {
	if o.agent == nil || localPath == "" {
		return
	}
	if _, err := os.Stat(localPath); err != nil {
		return
	}
	_ = o.agent.Request(upload.Request{
		LocalPath: localPath,
		Key:       path.Join(key, filepath.Base(localPath)),
		Mode:      mode,
	})
}

// uploadMode resolves the configured copy/move semantic.
func (o *Orchestrator) uploadMode() upload.Mode {
	if o.uploadTo == nil {
		return upload.ModeCopy
	}
	mode, _ := upload.ParseMode(o.uploadTo.Mode)
	return mode
}

// runSet executes one command set.
func (o *Orchestrator) runSet(ctx context.Context, set *ExecutionSet, key string) error {
	log := o.cfg.Logger

	// A configured password makes the appender seal the archive under
	// the .enc suffix; every probe and upload targets that name.
	localPath := set.OutputFullPath
	archiveName := set.ArchiveFileName
	if o.cfg.Manifest.Output.Password != "" {
		localPath += ".enc"
		archiveName += ".enc"
	}

	record := func() {
		o.outcome.WithLock(func(oc *outline.Outcome) {
			oc.Archives = append(oc.Archives, outline.ArchiveEntry{
				Keyword:  set.Keyword,
				FileName: archiveName,
				Commands: set.Commands,
			})
		})
	}

	if set.Optional {
		log.Info("optional set skipped", zap.String("keyword", set.Keyword))
		return nil
	}

	localSize := int64(0)
	if fi, err := os.Stat(localPath); err == nil {
		localSize = fi.Size()
	}
	remoteKey := path.Join(key, archiveName)

	switch set.Repeat {
	case RepeatOnce, RepeatNotImplemented:
		remoteSize := int64(0)
		if set.Upload && o.agent != nil {
			if size, ok, err := o.agent.Exists(ctx, remoteKey); err == nil && ok {
				remoteSize = size
			}
		}
		if localSize > 0 || remoteSize > 0 {
			log.Info("set output already exists, skipping",
				zap.String("keyword", set.Keyword),
				zap.Int64("local_size", localSize),
				zap.Int64("remote_size", remoteSize))
			// Idempotency: the existing local archive is still uploaded.
			if localSize > 0 && set.Upload {
				o.requestUpload(localPath, key, o.uploadMode())
			}
			record()
			return nil
		}
	case RepeatOverwrite:
		log.Info("overwriting set output",
			zap.String("keyword", set.Keyword),
			zap.Int64("local_size", localSize))
	}

	if err := o.executeSet(ctx, set); err != nil {
		record()
		return err
	}

	if set.Upload {
		o.requestUpload(localPath, key, o.uploadMode())
	}
	record()
	return nil
}

// executeSet runs the set's commands and its collection job. A
// terminating panic still closes the archive so temporaries are
// released and the partial archive stays valid.
func (o *Orchestrator) executeSet(ctx context.Context, set *ExecutionSet) (err error) {
	logDir := filepath.Join(o.cfg.Manifest.Output.Directory, "logs")
	if err := runCommands(ctx, set, logDir, o.cfg.Logger); err != nil {
		return err
	}
	if set.Collection == nil {
		return nil
	}

	app, err := archive.New(archive.Config{
		OutputPath:  set.OutputFullPath,
		TargetLevel: o.level,
		Password:    o.cfg.Manifest.Output.Password,
	})
	if err != nil {
		return err
	}

	cookie := o.cfg.Registry.Register("archive:"+set.Keyword,
		robustness.PriorityCloseArchives, app.TerminateAllAndComplete)
	defer o.cfg.Registry.Unregister(cookie)

	defer func() {
		if rec := recover(); rec != nil {
			_ = app.TerminateAllAndComplete()
			err = fmt.Errorf("set %s terminated: %v", set.Keyword, rec)
		}
	}()

	job := set.Collection
	coll, err := collector.NewArchive(collector.Config{
		ToolName:       CollectorToolName,
		ComputerName:   outline.CollectSystemIdentity().ComputerName,
		Specs:          job.Specs,
		Global:         &job.Global,
		DefaultContent: job.DefaultContent,
		Hashes:         o.cfg.Hashes,
		Fuzzy:          o.cfg.Fuzzy,
		ReportAll:      o.cfg.ReportAll,
		Logger:         o.cfg.Logger,
		Console:        o.cfg.Console,
	}, app)
	if err != nil {
		_ = app.TerminateAllAndComplete()
		return err
	}

	walker, err := finder.NewWalker(finder.WalkerConfig{
		Roots:     job.Roots,
		Terms:     job.Terms,
		Excludes:  job.Excludes,
		Resurrect: o.cfg.Resurrect,
	})
	if err != nil {
		_ = app.TerminateAllAndComplete()
		return err
	}

	walkErr := walker.Find(ctx, coll.OnMatch)
	// Finish flushes the table and closes the archive even after a walk
	// failure, preserving the partial archive.
	finishErr := coll.Finish(ctx, walker.Terms())
	if walkErr != nil {
		return walkErr
	}
	return finishErr
}
