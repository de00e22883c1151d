package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfirkit/gograb/internal/observability"
	"github.com/dfirkit/gograb/pkg/archive"
	"github.com/dfirkit/gograb/pkg/collector"
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/limits"
	"github.com/dfirkit/gograb/pkg/orchestrator"
	"github.com/dfirkit/gograb/pkg/outline"
	"github.com/dfirkit/gograb/pkg/pipeline"
	"github.com/dfirkit/gograb/pkg/robustness"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect matching samples into an archive or directory",
	Long: `Walk the given roots for files matching the sample patterns and
materialise them, with metadata and digests, into a compressed archive
or an output directory.

A pattern with a leading backslash or slash matches the path relative
to the walked root; otherwise it matches the file name. Both are
case-insensitive.

Example:
  gograb collect --out evidence.zip --root / --sample "*.ini" --max-sample-count 100
  gograb collect --out ./loose --root / --sample "\etc/ssh/**" --content strings,min=6`,
	RunE: runCollect,
}

var (
	collectOut          string
	collectRoots        []string
	collectSamples      []string
	collectExcludes     []string
	collectYara         []string
	collectSpecName     string
	collectContent      string
	collectMaxPerSample int64
	collectMaxTotal     int64
	collectMaxCount     int64
	collectNoLimits     bool
	collectPassword     string
	collectCompression  string
	collectHash         string
	collectFuzzyHash    string
	collectReportAll    bool
	collectResurrect    string
	collectShadows      string
	collectFlushReg     bool
)

func init() {
	rootCmd.AddCommand(collectCmd)

	f := collectCmd.Flags()
	f.StringVarP(&collectOut, "out", "o", "", "Output archive (.zip) or directory (required)")
	f.StringSliceVar(&collectRoots, "root", nil, "Root directory to walk (repeatable, required)")
	f.StringSliceVar(&collectSamples, "sample", nil, "Sample pattern; leading \\ makes it a path match (repeatable, required)")
	f.StringSliceVar(&collectExcludes, "exclude", nil, "Exclude glob (repeatable)")
	f.StringSliceVar(&collectYara, "yara", nil, "Yara rule file (repeatable, carried to MFT-backed finders)")
	f.StringVar(&collectSpecName, "name", "", "Spec name; prefixes samples inside the archive")
	f.StringVar(&collectContent, "content", "data", "Content kind: data|strings|raw[,min=N][,max=N]")
	f.Int64Var(&collectMaxPerSample, "max-per-sample-bytes", 0, "Per-sample byte cap (0 = unset)")
	f.Int64Var(&collectMaxTotal, "max-total-bytes", 0, "Total byte budget (0 = unset)")
	f.Int64Var(&collectMaxCount, "max-sample-count", 0, "Sample count cap (0 = unset)")
	f.BoolVar(&collectNoLimits, "no-limits", false, "Disable all limits")
	f.StringVar(&collectPassword, "password", "", "Seal the archive with this password")
	f.StringVar(&collectCompression, "compression", "", "Compression level (default from config, \"normal\")")
	f.StringVar(&collectHash, "hash", "", "Crypto digests, csv of md5,sha1,sha256")
	f.StringVar(&collectFuzzyHash, "fuzzy-hash", "", "Fuzzy digests, csv of ssdeep,tlsh")
	f.BoolVar(&collectReportAll, "report-all", false, "Compute digests for off-limits samples too")
	f.StringVar(&collectResurrect, "resurrect", "", "Resurrect-records mode passed to the walker")
	f.StringVar(&collectShadows, "shadows", "", "Volume shadow snapshot include policy (MFT-backed finders)")
	f.BoolVar(&collectFlushReg, "flush-registry", false, "Flush registry hives before collection (Windows only)")

	_ = collectCmd.MarkFlagRequired("out")
	_ = collectCmd.MarkFlagRequired("root")
	_ = collectCmd.MarkFlagRequired("sample")
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	start := time.Now()

	if collectFlushReg {
		log.Warn("registry flush is not supported on this platform, ignoring")
	}
	if collectShadows != "" {
		log.Info("shadow snapshot policy carried to the walker",
			zap.String("shadows", collectShadows))
	}

	content, err := parseContentFlag(collectContent)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --content value", err)
	}
	compression := collectCompression
	if compression == "" {
		compression = settings.Compression
	}
	level, err := archive.ParseLevel(compression)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --compression value", err)
	}
	hashCSV := collectHash
	if hashCSV == "" {
		hashCSV = settings.Hash
	}
	fuzzyCSV := collectFuzzyHash
	if fuzzyCSV == "" {
		fuzzyCSV = settings.FuzzyHash
	}

	spec := &collector.SampleSpec{Name: collectSpecName, Content: content}
	for _, pattern := range collectSamples {
		spec.Terms = append(spec.Terms, orchestrator.TermFromPattern(pattern))
	}
	for _, rulePath := range collectYara {
		rule, err := os.ReadFile(rulePath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot read yara rule", err)
		}
		spec.Terms = append(spec.Terms, &finder.SearchTerm{
			Rule:    rulePath,
			Kind:    finder.TermYara,
			Pattern: string(rule),
		})
	}

	global := limits.Limits{IgnoreAll: collectNoLimits}
	if collectMaxPerSample > 0 {
		global.MaxPerSampleBytes = collectMaxPerSample
		global.MaxPerSampleBytesSet = true
	}
	if collectMaxTotal > 0 {
		global.MaxTotalBytes = collectMaxTotal
		global.MaxTotalBytesSet = true
	}
	if collectMaxCount > 0 {
		global.MaxSampleCount = collectMaxCount
		global.MaxSampleCountSet = true
	}

	walker, err := finder.NewWalker(finder.WalkerConfig{
		Roots:     collectRoots,
		Terms:     spec.Terms,
		Excludes:  collectExcludes,
		Resurrect: collectResurrect,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid match patterns", err)
	}

	collCfg := collector.Config{
		ToolName:       orchestrator.CollectorToolName,
		ComputerName:   outline.CollectSystemIdentity().ComputerName,
		Specs:          []*collector.SampleSpec{spec},
		Global:         &global,
		DefaultContent: pipeline.Content{Kind: pipeline.KindData},
		Hashes:         pipeline.ParseHashSelection(hashCSV),
		Fuzzy:          pipeline.ParseFuzzySelection(fuzzyCSV),
		ReportAll:      collectReportAll || settings.ReportAll,
		Logger:         log,
		Console:        os.Stdout,
	}

	archiveMode := strings.HasSuffix(strings.ToLower(collectOut), ".zip")
	var coll *collector.Collector
	if archiveMode {
		app, err := archive.New(archive.Config{
			OutputPath:  collectOut,
			TargetLevel: level,
			Password:    firstNonEmpty(collectPassword, settings.Password),
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot initialise archive", err)
		}
		cookie := robustness.Default.Register("archive:collect",
			robustness.PriorityCloseArchives, app.TerminateAllAndComplete)
		defer robustness.Default.Unregister(cookie)

		coll, err = collector.NewArchive(collCfg, app)
		if err != nil {
			_ = app.TerminateAllAndComplete()
			return err
		}
	} else {
		coll, err = collector.NewDirectory(collCfg, collectOut)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot initialise output directory", err)
		}
	}

	walkErr := walker.Find(ctx, coll.OnMatch)
	finishErr := coll.Finish(ctx, walker.Terms())

	color.New(color.FgCyan).Printf("collected %d samples, %d skipped in %s\n",
		coll.Collected(), coll.Skipped(), time.Since(start).Round(time.Millisecond))

	if walkErr != nil {
		return walkErr
	}
	if finishErr != nil {
		log.Error("set aborted", zap.Error(finishErr))
		return finishErr
	}
	return nil
}

// parseContentFlag parses "kind[,min=N][,max=N]".
func parseContentFlag(s string) (pipeline.Content, error) {
	parts := strings.Split(s, ",")
	kind, err := pipeline.ParseContentKind(parts[0])
	if err != nil {
		return pipeline.Content{}, err
	}
	content := pipeline.Content{Kind: kind}
	for _, part := range parts[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return pipeline.Content{}, fmt.Errorf("malformed content option: %q", part)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return pipeline.Content{}, fmt.Errorf("malformed content option: %q", part)
		}
		switch k {
		case "min":
			content.MinChars = n
		case "max":
			content.MaxChars = n
		default:
			return pipeline.Content{}, fmt.Errorf("unknown content option: %q", k)
		}
	}
	return content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
