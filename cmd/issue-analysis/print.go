package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/openomy/issue-analysis/internal/controlclient"
	"github.com/openomy/issue-analysis/internal/domain/model"
)

// maxPrintedErrors bounds the error list printed by status.
const maxPrintedErrors = 10

var (
	titleColor   = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

func stateColor(s model.RunState) *color.Color {
	switch s {
	case model.RunStateRunning:
		return titleColor
	case model.RunStateCompleted:
		return successColor
	case model.RunStatePaused:
		return warnColor
	case model.RunStateCancelled:
		return errorColor
	default:
		return dimColor
	}
}

func count(n int) string {
	return humanize.Comma(int64(n))
}

func printStart(w io.Writer, r *controlclient.StartResponse) {
	if r.RunID == "" {
		warnColor.Fprintln(w, r.Message)
		fmt.Fprintf(w, "  candidates:          %s\n", count(r.OriginalTotalCount))
		fmt.Fprintf(w, "  already classified:  %s\n", count(r.AlreadyClassifiedCount))
		return
	}

	successColor.Fprintln(w, r.Message)
	fmt.Fprintf(w, "  run:                 %s\n", r.RunID)
	fmt.Fprintf(w, "  queued:              %s of %s candidates\n", count(r.TotalCount), count(r.OriginalTotalCount))
	fmt.Fprintf(w, "  already classified:  %s\n", count(r.AlreadyClassifiedCount))
	fmt.Fprintf(w, "  workers:             %d\n", r.Concurrency)
}

func printStatus(w io.Writer, runKey string, r *controlclient.StatusResponse) {
	if r.State == model.RunStateNotStarted || r.State == "" {
		dimColor.Fprintf(w, "%s: %s\n", runKey, r.Message)
		return
	}

	titleColor.Fprintf(w, "%s ", runKey)
	stateColor(r.State).Fprintln(w, string(r.State))

	fmt.Fprintf(w, "  run:        %s\n", r.RunID)
	fmt.Fprintf(w, "  started:    %s\n", humanize.Time(r.StartTime))
	if r.EndTime != nil {
		fmt.Fprintf(w, "  finished:   %s (took %s)\n", humanize.Time(*r.EndTime), r.EndTime.Sub(r.StartTime).Round(time.Second))
	}
	fmt.Fprintf(w, "  progress:   %s / %s (%s)\n", count(r.ProcessedCount), count(r.TotalCount), percent(r.ProcessedCount, r.TotalCount))
	fmt.Fprintf(w, "  succeeded:  %s\n", count(r.SuccessCount))
	if r.ErrorCount > 0 {
		errorColor.Fprintf(w, "  failed:     %s\n", count(r.ErrorCount))
	} else {
		fmt.Fprintf(w, "  failed:     0\n")
	}
	fmt.Fprintf(w, "  remaining:  %s\n", count(r.RemainingCount))

	if len(r.CurrentItems) > 0 {
		workers := make([]string, 0, len(r.CurrentItems))
		for id := range r.CurrentItems {
			workers = append(workers, id)
		}
		sort.Strings(workers)

		fmt.Fprintln(w, "  in flight:")
		for _, id := range workers {
			item := r.CurrentItems[id]
			dimColor.Fprintf(w, "    %s ", id)
			fmt.Fprintf(w, "#%d %s\n", item.Number, item.Title)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "  recent errors:")
		errs := r.Errors
		if len(errs) > maxPrintedErrors {
			errs = errs[len(errs)-maxPrintedErrors:]
		}
		for _, e := range errs {
			errorColor.Fprintf(w, "    #%d ", e.ItemNumber)
			fmt.Fprintf(w, "%s ", e.Message)
			dimColor.Fprintf(w, "(%s)\n", humanize.Time(e.Timestamp))
		}
		if hidden := len(r.Errors) - len(errs) + r.DroppedErrors; hidden > 0 {
			dimColor.Fprintf(w, "    ... %s older errors not shown\n", count(hidden))
		}
	}
}

func printControl(w io.Writer, r *controlclient.ControlResponse) {
	stateColor(r.State).Fprintln(w, r.Message)
	fmt.Fprintf(w, "  status:     %s\n", r.State)
	fmt.Fprintf(w, "  progress:   %s / %s\n", count(r.ProcessedCount), count(r.TotalCount))
	fmt.Fprintf(w, "  remaining:  %s\n", count(r.RemainingCount))
	if r.Action == model.ActionRetry {
		fmt.Fprintf(w, "  retried:    %s\n", count(r.RetriedCount))
	}
}

func printDedupe(w io.Writer, r *controlclient.DedupeResponse) {
	successColor.Fprintln(w, r.Message)
	fmt.Fprintf(w, "  removed:    %s\n", count(r.Removed))
	if r.Malformed > 0 {
		warnColor.Fprintf(w, "  malformed:  %s\n", count(r.Malformed))
	}
	fmt.Fprintf(w, "  remaining:  %s\n", count(r.Remaining))
}

func percent(done, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(done)*100/float64(total))
}
