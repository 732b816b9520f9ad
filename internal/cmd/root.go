// Package cmd implements the legacyguard command line.
package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/config"
	"github.com/felixgeelhaar/legacyguard/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "legacyguard",
	Short: "Plan and execute guarded changes to legacy codebases",
	Long: `legacyguard turns a natural-language change request into a dependency-ordered
plan of subtasks, runs them in waves through role-specific workers, pauses at
approval gates required by policy, and validates risky work in a sandbox.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, canceled on interrupt by main.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log.format (json, text)")
}

// loadConfig resolves the config file, environment and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *log.Logger {
	return log.New(log.ConfigFrom(cfg.Log.Level, cfg.Log.Format, out))
}
