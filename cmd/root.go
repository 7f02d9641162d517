// Package cmd holds the storeguard command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
)

// BuildInfo is stamped by the linker
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

// RootCommand creates the root command. Running it without a subcommand
// serves.
func RootCommand(info BuildInfo) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "storeguard",
		Short:         "Multi-camera retail video analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	serveCmd := serveCommand(flags, info)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(
		serveCmd,
		probeCommand(flags),
		discoverCommand(flags),
		detectCommand(flags),
		versionCommand(info),
	)
	return rootCmd
}

// loadConfig loads the env file and the configuration and validates it
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", flags.envFile, err)
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*logger.Logger, error) {
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// cliLogger is used by the one-shot tools, which do not need a config file
func cliLogger(flags *globalFlags) *logger.Logger {
	level := flags.logLevel
	if level == "" {
		level = "warn"
	}
	log, err := newLogger(config.LogConfig{Level: level, Format: "text", Output: "stderr"})
	if err != nil {
		return logger.NewNopLogger()
	}
	return log
}
