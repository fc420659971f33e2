package model

import (
	"maps"
	"slices"
	"time"
)

// RunError records an item whose attempts were exhausted.
type RunError struct {
	ItemID     int64     `json:"itemId"`
	ItemNumber int       `json:"itemNumber"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunStatus is the shared progress record of one run. Every worker of the
// run reads and rewrites it; control commands overwrite its State.
type RunStatus struct {
	RunID                  string                 `json:"runId"`
	State                  RunState               `json:"status"`
	StartTime              time.Time              `json:"startTime"`
	EndTime                *time.Time             `json:"endTime,omitempty"`
	PausedAt               *time.Time             `json:"pausedAt,omitempty"`
	ResumedAt              *time.Time             `json:"resumedAt,omitempty"`
	TotalCount             int                    `json:"totalCount"`
	ProcessedCount         int                    `json:"processedCount"`
	SuccessCount           int                    `json:"successCount"`
	ErrorCount             int                    `json:"errorCount"`
	OriginalTotalCount     int                    `json:"originalTotalCount"`
	AlreadyClassifiedCount int                    `json:"alreadyClassifiedCount"`
	Concurrency            int                    `json:"concurrency"`
	CurrentItems           map[string]ItemSummary `json:"currentItems"`
	Errors                 []RunError             `json:"errors"`
	DroppedErrors          int                    `json:"droppedErrors,omitempty"`
}

// NewRunStatus returns a running status with zeroed counters.
func NewRunStatus(runID string, total int, startedAt time.Time) *RunStatus {
	return &RunStatus{
		RunID:        runID,
		State:        RunStateRunning,
		StartTime:    startedAt,
		TotalCount:   total,
		CurrentItems: map[string]ItemSummary{},
		Errors:       []RunError{},
	}
}

// SetCurrent marks item as in flight for the given worker.
func (s *RunStatus) SetCurrent(workerID string, item ItemSummary) {
	if s.CurrentItems == nil {
		s.CurrentItems = map[string]ItemSummary{}
	}
	s.CurrentItems[workerID] = item
}

// ClearCurrent removes the in-flight entry of the given worker.
func (s *RunStatus) ClearCurrent(workerID string) {
	delete(s.CurrentItems, workerID)
}

// RecordError appends e to the error list. When the list would exceed
// limit, the oldest entries are evicted and counted in DroppedErrors.
// A limit <= 0 disables the cap.
func (s *RunStatus) RecordError(e RunError, limit int) {
	s.Errors = append(s.Errors, e)
	if limit > 0 && len(s.Errors) > limit {
		over := len(s.Errors) - limit
		s.DroppedErrors += over
		s.Errors = slices.Clone(s.Errors[over:])
	}
}

// RemoveErrors drops the error entries whose item id is in ids.
func (s *RunStatus) RemoveErrors(ids map[int64]bool) {
	s.Errors = slices.DeleteFunc(s.Errors, func(e RunError) bool {
		return ids[e.ItemID]
	})
}

// Clone returns a deep copy of s.
func (s *RunStatus) Clone() *RunStatus {
	c := *s
	c.CurrentItems = maps.Clone(s.CurrentItems)
	c.Errors = slices.Clone(s.Errors)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	if s.ResumedAt != nil {
		t := *s.ResumedAt
		c.ResumedAt = &t
	}
	return &c
}
