package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/wasmserve/config"
)

var rootCmd = &cobra.Command{
	Use:   "wasmserve",
	Short: "Serve HTTP from a WebAssembly guest",
	Long: `wasmserve - Run a WebAssembly guest as an HTTP server.

The guest asks the host for listeners through the wasmhttp imports and
answers each request through a one-shot completion. The guest has no
filesystem, network, or environment access unless granted with flags
or the config file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	addRootFlags(rootCmd.PersistentFlags())
}

func addRootFlags(f *pflag.FlagSet) {
	f.String("config", "", "Path to YAML config file")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", config.FormatJSON, "Log format: json, console")
}

// loadConfig reads --config if given, then applies the persistent flags
// the user actually set.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch cfg.Format {
	case config.FormatJSON:
		zc = zap.NewProductionConfig()
	case config.FormatConsole:
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
