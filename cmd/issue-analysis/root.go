package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openomy/issue-analysis/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "issue-analysis",
	Short: "Batch classification of GitHub issues with an LLM",
	Long: `issue-analysis classifies the issues of GitHub repositories in resumable
batches. "serve" runs the orchestrator and its HTTP control endpoint; "ctl"
drives a running server.`,
	SilenceUsage: true,
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (json, yaml or toml)")
}

// initConfig lets the ctl flags fall back to ISSUE_ANALYSIS_* variables.
// The server reads its own configuration through config.Load.
func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlag(key string, cmd *cobra.Command, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		slog.Error("Error binding flag", "flag", flag, "error", err)
		os.Exit(1)
	}
}
