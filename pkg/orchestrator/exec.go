package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runCommands launches a set's opaque command lines out of process,
// capturing each command's combined output to a per-command log file
// under logDir. Concurrency caps parallel executions; cancellation
// kills in-flight children through the exec context.
func runCommands(ctx context.Context, set *ExecutionSet, logDir string, logger *zap.Logger) error {
	if len(set.Commands) == 0 {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create command log dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	concurrency := set.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	for i, cmdline := range set.Commands {
		g.Go(func() error {
			argv, err := splitCommandLine(cmdline)
			if err != nil {
				return fmt.Errorf("command %d of set %s: %w", i, set.Keyword, err)
			}
			logPath := filepath.Join(logDir, fmt.Sprintf("%s-%02d.log", set.Keyword, i))
			logFile, err := os.Create(logPath)
			if err != nil {
				return fmt.Errorf("create command log: %w", err)
			}
			defer func() { _ = logFile.Close() }()

			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Stdout = logFile
			cmd.Stderr = logFile
			cmd.Env = os.Environ()

			logger.Debug("launching command",
				zap.String("set", set.Keyword),
				zap.String("command", cmdline))
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("command %q of set %s: %w", cmdline, set.Keyword, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// splitCommandLine splits a command line on whitespace, honoring
// single and double quotes.
func splitCommandLine(cmdline string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	var quote rune
	inArg := false

	for _, r := range cmdline {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				argv = append(argv, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command line")
	}
	if inArg {
		argv = append(argv, cur.String())
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return argv, nil
}
