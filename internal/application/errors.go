package application

import "errors"

// Sentinel errors returned by the Orchestrator. Callers test them with errors.Is.
var (
	// ErrRunConflict indicates a start was requested while the run is running.
	ErrRunConflict = errors.New("batch classification already running")

	// ErrRunNotFound indicates a control command for a run key with no status.
	ErrRunNotFound = errors.New("no batch classification found")

	// ErrInvalidTransition indicates a control command not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownAction indicates an action outside start/status/cancel/pause/resume/retry.
	ErrUnknownAction = errors.New("unknown action")

	// ErrItemFailed marks an item whose classification attempts were exhausted.
	ErrItemFailed = errors.New("item classification failed")
)
