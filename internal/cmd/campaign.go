package cmd

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfirkit/gograb/internal/observability"
	"github.com/dfirkit/gograb/pkg/manifest"
	"github.com/dfirkit/gograb/pkg/orchestrator"
	"github.com/dfirkit/gograb/pkg/outline"
	"github.com/dfirkit/gograb/pkg/pipeline"
	"github.com/dfirkit/gograb/pkg/robustness"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Run a collection campaign from a manifest",
	Long: `Run the command sets defined in a YAML or JSON campaign manifest.
Each set produces its own archive, subject to its repeat policy, and
is optionally uploaded. The campaign emits Outline and Outcome
manifests describing the run.

Example:
  gograb campaign --job campaign.yaml
  gograb campaign --job campaign.yaml --priority low
  gograb campaign --job campaign.yaml --keywords`,
	RunE: runCampaign,
}

var (
	campaignJobPath   string
	campaignKeywords  bool
	campaignPriority  string
	campaignKeepAwake bool
	campaignWER       bool
	campaignReportAll bool
	campaignHash      string
	campaignFuzzyHash string
	campaignResurrect string
)

func init() {
	rootCmd.AddCommand(campaignCmd)

	f := campaignCmd.Flags()
	f.StringVarP(&campaignJobPath, "job", "j", "", "Path to campaign manifest (required)")
	f.BoolVar(&campaignKeywords, "keywords", false, "Enumerate planned sets without executing")
	f.StringVar(&campaignPriority, "priority", "", "Process priority for the run: low|normal|high")
	f.BoolVar(&campaignKeepAwake, "keep-awake", false, "Inhibit system sleep for the run")
	f.BoolVar(&campaignWER, "wer-dont-show-ui", false, "Suppress the error-reporting UI for the run")
	f.BoolVar(&campaignReportAll, "report-all", false, "Compute digests for off-limits samples too")
	f.StringVar(&campaignHash, "hash", "", "Crypto digests, csv of md5,sha1,sha256")
	f.StringVar(&campaignFuzzyHash, "fuzzy-hash", "", "Fuzzy digests, csv of ssdeep,tlsh")
	f.StringVar(&campaignResurrect, "resurrect", "", "Resurrect-records mode passed to the walker")

	_ = campaignCmd.MarkFlagRequired("job")
}

func runCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	m, err := manifest.Load(campaignJobPath)
	if err != nil {
		log.Error("failed to load campaign manifest",
			zap.String("path", campaignJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	log.Debug("loaded campaign manifest",
		zap.String("path", campaignJobPath),
		zap.String("tool", m.Tool),
		zap.Int("sets", len(m.Sets)))

	var guards []orchestrator.Guard
	if campaignPriority != "" {
		guards = append(guards, orchestrator.PriorityGuard(campaignPriority, log))
	}
	if campaignKeepAwake {
		guards = append(guards, orchestrator.KeepAwakeGuard(log))
	}
	if campaignWER {
		guards = append(guards, orchestrator.WERGuard(log))
	}

	hashCSV := campaignHash
	if hashCSV == "" {
		hashCSV = settings.Hash
	}
	fuzzyCSV := campaignFuzzyHash
	if fuzzyCSV == "" {
		fuzzyCSV = settings.FuzzyHash
	}

	o, err := orchestrator.New(orchestrator.Config{
		Manifest:        m,
		Version:         Version,
		CommandLine:     commandLine(),
		Mothership:      motherhoodInfo(),
		Hashes:          pipeline.ParseHashSelection(hashCSV),
		Fuzzy:           pipeline.ParseFuzzySelection(fuzzyCSV),
		ReportAll:       campaignReportAll || settings.ReportAll,
		Resurrect:       campaignResurrect,
		Logger:          log,
		Console:         os.Stdout,
		LogFileName:     rootLogFile,
		ConsoleFileName: "",
		Guards:          guards,
		Registry:        robustness.Default,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid campaign", err)
	}

	if campaignKeywords {
		return o.Keywords(os.Stdout)
	}
	return o.Run(ctx)
}

// motherhoodInfo identifies the launching process as far as the
// platform exposes it.
func motherhoodInfo() outline.ProcessInfo {
	info := outline.ProcessInfo{}
	exePath := fmt.Sprintf("/proc/%d/exe", os.Getppid())
	if exe, err := os.Readlink(exePath); err == nil {
		info.CommandLine = exe
		if f, err := os.Open(exe); err == nil {
			h := sha1.New()
			if _, err := io.Copy(h, f); err == nil {
				info.SHA1 = fmt.Sprintf("%x", h.Sum(nil))
			}
			_ = f.Close()
		}
	}
	return info
}
