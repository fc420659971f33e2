package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/openomy/issue-analysis/internal/controlclient"
	"github.com/openomy/issue-analysis/internal/domain/model"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <owner/repo>",
	Short: "Follow a run with a progress bar until it stops running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context(), newControlClient(), args[0], watchInterval, cmd.OutOrStdout())
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 2*time.Second, "status poll interval")
	ctlCmd.AddCommand(watchCmd)
}

// statusGetter is the part of the control client watch needs.
type statusGetter interface {
	Status(ctx context.Context, runKey string) (*controlclient.StatusResponse, error)
}

// watch polls the run status until the run leaves the running state, then
// prints the final status.
func watch(ctx context.Context, client statusGetter, runKey string, interval time.Duration, w io.Writer) error {
	var bar *progressbar.ProgressBar

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := client.Status(ctx, runKey)
		if err != nil {
			return err
		}

		if status.State == model.RunStateNotStarted || status.State == "" {
			return errors.New("no batch classification found for " + runKey)
		}

		if bar == nil {
			bar = newProgressBar(w, status.TotalCount)
		}
		if bar.GetMax() != status.TotalCount {
			bar.ChangeMax(status.TotalCount)
		}
		bar.Describe(fmt.Sprintf("%s %s (%d errors)", runKey, status.State, status.ErrorCount))
		_ = bar.Set(status.ProcessedCount)

		if status.State != model.RunStateRunning {
			_ = bar.Finish()
			fmt.Fprintln(w)
			printStatus(w, runKey, status)
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}
