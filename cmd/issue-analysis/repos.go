package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openomy/issue-analysis/internal/controlclient"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage the repositories classified by scheduled runs",
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the watched repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repos, err := newControlClient().ListRepos(cmd.Context())
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), repos, func(w io.Writer) { printRepos(w, repos) })
	},
}

var reposShowCmd = &cobra.Command{
	Use:   "show <owner/repo>",
	Short: "Show one watched repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := newControlClient().GetRepo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), repo, func(w io.Writer) { printRepos(w, []controlclient.Repo{*repo}) })
	},
}

var reposAddCmd = &cobra.Command{
	Use:   "add <owner/repo>",
	Short: "Watch a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := newControlClient().AddRepo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), repo, func(w io.Writer) {
			successColor.Fprintf(w, "watching %s\n", repo.FullName)
		})
	},
}

var reposRemoveCmd = &cobra.Command{
	Use:   "remove <owner/repo>",
	Short: "Stop watching a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newControlClient().RemoveRepo(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped watching %s\n", args[0])
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	reposCmd.AddCommand(reposListCmd, reposShowCmd, reposAddCmd, reposRemoveCmd)
	ctlCmd.AddCommand(reposCmd)
}

func printRepos(w io.Writer, repos []controlclient.Repo) {
	if len(repos) == 0 {
		dimColor.Fprintln(w, "no repositories are watched")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "REPOSITORY\tADDED")
	for _, r := range repos {
		fmt.Fprintf(tw, "%s\t%s\n", r.FullName, r.AddedAt)
	}
	_ = tw.Flush()
}
