package main

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/openomy/issue-analysis/internal/controlclient"
	"github.com/openomy/issue-analysis/internal/domain/model"
)

func init() {
	color.NoColor = true
}

func TestPrintStart(t *testing.T) {
	var buf bytes.Buffer
	printStart(&buf, &controlclient.StartResponse{
		Message:                "batch classification started",
		RunID:                  "run-1",
		TotalCount:             1200,
		OriginalTotalCount:     1500,
		AlreadyClassifiedCount: 300,
		Concurrency:            10,
	})

	out := buf.String()
	assert.Contains(t, out, "batch classification started")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "1,200 of 1,500 candidates")
	assert.Contains(t, out, "workers:             10")
}

func TestPrintStart_NothingToDo(t *testing.T) {
	var buf bytes.Buffer
	printStart(&buf, &controlclient.StartResponse{
		Message:                "no items to classify",
		OriginalTotalCount:     5,
		AlreadyClassifiedCount: 5,
	})

	out := buf.String()
	assert.Contains(t, out, "no items to classify")
	assert.NotContains(t, out, "run:")
}

func TestPrintStatus(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	end := start.Add(90 * time.Second)

	errs := make([]model.RunError, 0, 12)
	for i := range 12 {
		errs = append(errs, model.RunError{ItemNumber: i + 1, Message: fmt.Sprintf("failure %d", i+1), Timestamp: start})
	}

	var buf bytes.Buffer
	printStatus(&buf, "owner/repo", &controlclient.StatusResponse{
		RunStatus: model.RunStatus{
			RunID:          "run-1",
			State:          model.RunStateCompleted,
			StartTime:      start,
			EndTime:        &end,
			TotalCount:     40,
			ProcessedCount: 10,
			SuccessCount:   7,
			ErrorCount:     3,
			CurrentItems: map[string]model.ItemSummary{
				"worker-2": {ID: 2, Number: 22, Title: "second"},
				"worker-1": {ID: 1, Number: 11, Title: "first"},
			},
			Errors:        errs,
			DroppedErrors: 1,
		},
		RemainingCount: 30,
	})

	out := buf.String()
	assert.Contains(t, out, "owner/repo completed")
	assert.Contains(t, out, "10 / 40 (25.0%)")
	assert.Contains(t, out, "took 1m30s")
	assert.Contains(t, out, "remaining:  30")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("#11 first")), bytes.Index(buf.Bytes(), []byte("#22 second")))
	assert.NotContains(t, out, "failure 2 ")
	assert.Contains(t, out, "failure 12")
	assert.Contains(t, out, "3 older errors not shown")
}

func TestPrintStatus_NotStarted(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "owner/repo", &controlclient.StatusResponse{
		RunStatus: model.RunStatus{State: model.RunStateNotStarted},
		Message:   "no batch classification found for this repository",
	})

	assert.Equal(t, "owner/repo: no batch classification found for this repository\n", buf.String())
}

func TestPrintControl(t *testing.T) {
	var buf bytes.Buffer
	printControl(&buf, &controlclient.ControlResponse{
		Message:        "failed items re-queued",
		Action:         model.ActionRetry,
		State:          model.RunStateRunning,
		TotalCount:     10,
		ProcessedCount: 7,
		RemainingCount: 3,
		RetriedCount:   3,
	})

	out := buf.String()
	assert.Contains(t, out, "failed items re-queued")
	assert.Contains(t, out, "retried:    3")
}

func TestPrintDedupe(t *testing.T) {
	var buf bytes.Buffer
	printDedupe(&buf, &controlclient.DedupeResponse{Message: "malformed queue entries removed", Malformed: 2, Remaining: 1500})

	out := buf.String()
	assert.Contains(t, out, "malformed:  2")
	assert.Contains(t, out, "remaining:  1,500")

	buf.Reset()
	printDedupe(&buf, &controlclient.DedupeResponse{Message: "queue has no duplicates", Remaining: 3})
	assert.NotContains(t, buf.String(), "malformed")
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "0%", percent(0, 0))
	assert.Equal(t, "50.0%", percent(1, 2))
	assert.Equal(t, "100.0%", percent(3, 3))
}

func TestPrintRepos(t *testing.T) {
	var buf bytes.Buffer
	printRepos(&buf, nil)
	assert.Contains(t, buf.String(), "no repositories are watched")

	buf.Reset()
	printRepos(&buf, []controlclient.Repo{{FullName: "owner/repo", AddedAt: "2026-03-01T10:00:00Z"}})
	assert.Contains(t, buf.String(), "owner/repo")
	assert.Contains(t, buf.String(), "REPOSITORY")
}
