package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openomy/issue-analysis/internal/controlclient"
	"github.com/openomy/issue-analysis/internal/domain/model"
)

var (
	serverURL  string
	outputJSON bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control batch classification runs on a running server",
}

var startCmd = &cobra.Command{
	Use:   "start <owner/repo>",
	Short: "Enqueue every unclassified issue of a repository and start the workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newControlClient().Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), resp, func(w io.Writer) { printStart(w, resp) })
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <owner/repo>",
	Short: "Show the progress of a repository's run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newControlClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), resp, func(w io.Writer) { printStatus(w, args[0], resp) })
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe <owner/repo>",
	Short: "Remove repeated issues from a repository's queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newControlClient().Dedupe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), resp, func(w io.Writer) { printDedupe(w, resp) })
	},
}

// controlCommand builds the cancel, pause, resume and retry subcommands.
func controlCommand(action model.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <owner/repo>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newControlClient().Control(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), resp, func(w io.Writer) { printControl(w, resp) })
		},
	}
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	ctlCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8080", "control server base URL")
	ctlCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print the raw server response as JSON")
	bindFlag("server", ctlCmd, "server")

	ctlCmd.AddCommand(
		startCmd,
		statusCmd,
		dedupeCmd,
		controlCommand(model.ActionCancel, "Cancel a run and discard its queue"),
		controlCommand(model.ActionPause, "Pause a run; workers stop after their current issue"),
		controlCommand(model.ActionResume, "Resume a paused run"),
		controlCommand(model.ActionRetry, "Re-queue the issues that failed in a run"),
	)
	rootCmd.AddCommand(ctlCmd)
}

// newControlClient uses --server, falling back to ISSUE_ANALYSIS_SERVER.
func newControlClient() *controlclient.Client {
	return controlclient.New(strings.TrimSpace(viper.GetString("server")), nil)
}

func output(w io.Writer, v any, human func(io.Writer)) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		return nil
	}
	human(w)
	return nil
}
