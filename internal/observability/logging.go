// Package observability wires the process-wide structured loggers.
//
// CLILogger is the logger used by command implementations. It defaults
// to a no-op logger so packages can log before Init runs (tests, early
// validation paths).
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command implementations.
var CLILogger = zap.NewNop()

// Options configures logger initialisation.
type Options struct {
	// Verbose enables info-level console output.
	Verbose bool

	// Debug enables debug-level output everywhere.
	Debug bool

	// NoConsole suppresses console logging entirely.
	NoConsole bool

	// LogFile, when set, receives the rolling structured log.
	LogFile string
}

// Init builds the CLI logger per the options. Returns the file sync
// function to defer.
func Init(opts Options) (func(), error) {
	level := zapcore.WarnLevel
	if opts.Verbose {
		level = zapcore.InfoLevel
	}
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	var cores []zapcore.Core

	if !opts.NoConsole {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	var fileHandle *os.File
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		fileHandle = f
		fileCfg := zap.NewProductionEncoderConfig()
		fileLevel := zapcore.InfoLevel
		if opts.Debug {
			fileLevel = zapcore.DebugLevel
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.AddSync(f),
			fileLevel,
		))
	}

	if len(cores) == 0 {
		CLILogger = zap.NewNop()
		return func() {}, nil
	}

	CLILogger = zap.New(zapcore.NewTee(cores...))
	return func() {
		_ = CLILogger.Sync()
		if fileHandle != nil {
			_ = fileHandle.Close()
		}
	}, nil
}
