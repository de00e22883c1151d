// Package config resolves runtime settings from environment variables
// and an optional configuration file, layered under command-line
// flags.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix (GOGRAB_OUT,
// GOGRAB_LOG_FILE, ...).
const EnvPrefix = "GOGRAB"

// Settings are the resolved runtime defaults. Flags override these.
type Settings struct {
	// Out is the default output path (directory or archive).
	Out string `mapstructure:"out"`

	// LogFile receives the rolling structured log.
	LogFile string `mapstructure:"log_file"`

	// Compression is the default archive compression level.
	Compression string `mapstructure:"compression"`

	// Hash and FuzzyHash are comma-separated digest selections.
	Hash      string `mapstructure:"hash"`
	FuzzyHash string `mapstructure:"fuzzy_hash"`

	// Password seals produced archives.
	Password string `mapstructure:"password"`

	// ReportAll computes digests for off-limits samples too.
	ReportAll bool `mapstructure:"report_all"`

	// Verbose, Debug, NoConsole control logging.
	Verbose   bool `mapstructure:"verbose"`
	Debug     bool `mapstructure:"debug"`
	NoConsole bool `mapstructure:"no_console"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Compression: "normal",
		Hash:        "md5,sha1",
	}
}

// Load resolves settings from defaults, an optional config file and
// the environment.
//
// The config file is looked up at the given path when non-empty;
// otherwise no file is read. Environment variables use the GOGRAB_
// prefix with underscores (e.g. GOGRAB_REPORT_ALL=true).
func Load(configFile string) (*Settings, error) {
	v := viper.New()

	// Every key needs a default registered so AutomaticEnv can resolve
	// it during Unmarshal.
	def := Defaults()
	v.SetDefault("out", def.Out)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("compression", def.Compression)
	v.SetDefault("hash", def.Hash)
	v.SetDefault("fuzzy_hash", def.FuzzyHash)
	v.SetDefault("password", def.Password)
	v.SetDefault("report_all", def.ReportAll)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("no_console", def.NoConsole)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var s Settings
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&s, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}
