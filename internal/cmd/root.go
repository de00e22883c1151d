// Package cmd implements the gograb command-line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dfirkit/gograb/internal/config"
	"github.com/dfirkit/gograb/internal/observability"
	"github.com/dfirkit/gograb/pkg/robustness"
)

// Version is stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gograb",
	Short: "Forensic evidence collector",
	Long: `gograb walks volumes for files matching search terms, materialises
matching content with metadata into compressed, optionally encrypted
archives, and orchestrates batches of such collections with upload.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootConfigFile string
	rootLogFile    string
	rootVerbose    bool
	rootDebug      bool
	rootNoConsole  bool

	// settings are the resolved env/file defaults, loaded before any
	// command runs.
	settings = config.Defaults()
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootConfigFile, "config", "", "Path to configuration file")
	pf.StringVar(&rootLogFile, "log-file", "", "Path to rolling log file")
	pf.BoolVar(&rootVerbose, "verbose", false, "Enable verbose output")
	pf.BoolVar(&rootDebug, "debug", false, "Enable debug output")
	pf.BoolVar(&rootNoConsole, "no-console", false, "Suppress console logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(rootConfigFile)
		if err != nil {
			return err
		}
		settings = *s
		if !cmd.Flags().Changed("log-file") && s.LogFile != "" {
			rootLogFile = s.LogFile
		}

		sync, err := observability.Init(observability.Options{
			Verbose:   rootVerbose || s.Verbose,
			Debug:     rootDebug || s.Debug,
			NoConsole: rootNoConsole || s.NoConsole,
			LogFile:   rootLogFile,
		})
		if err != nil {
			return err
		}
		cobra.OnFinalize(sync)
		return nil
	}
}

// Execute runs the CLI. It arms the termination registry and maps
// command errors to process exit codes.
func Execute() {
	robustness.Default.Arm()
	defer robustness.Default.Run()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		robustness.Default.Run()
		os.Exit(exitCodeOf(err))
	}
}

// exitError creates an error that will cause the CLI to exit with the
// given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// exitCodeOf recovers the exit code embedded by exitError, defaulting
// to 1.
func exitCodeOf(err error) int {
	msg := err.Error()
	if i := strings.LastIndex(msg, "(exit code "); i >= 0 {
		var code int
		if _, scanErr := fmt.Sscanf(msg[i:], "(exit code %d)", &code); scanErr == nil {
			return code
		}
	}
	return 1
}

// commandLine reconstructs the invoking command line for manifests.
func commandLine() string {
	return strings.Join(os.Args, " ")
}
