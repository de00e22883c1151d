package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/dfirkit/gograb/pkg/manifest"
	"github.com/dfirkit/gograb/pkg/orchestrator"
)

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Enumerate the sets a campaign manifest would run",
	Long: `List every command set of a campaign manifest - keyword, archive file
name, commands and sample terms - without executing anything.

Example:
  gograb keywords --job campaign.yaml`,
	RunE: runKeywords,
}

var keywordsJobPath string

func init() {
	rootCmd.AddCommand(keywordsCmd)
	keywordsCmd.Flags().StringVarP(&keywordsJobPath, "job", "j", "", "Path to campaign manifest (required)")
	_ = keywordsCmd.MarkFlagRequired("job")
}

func runKeywords(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(keywordsJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	o, err := orchestrator.New(orchestrator.Config{Manifest: m})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid campaign", err)
	}
	return o.Keywords(os.Stdout)
}
