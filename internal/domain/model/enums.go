package model

// RunState represents the lifecycle state of a batch classification run.
type RunState string

const (
	RunStateNotStarted RunState = "not_started"
	RunStateRunning    RunState = "running"
	RunStatePaused     RunState = "paused"
	RunStateCancelled  RunState = "cancelled"
	RunStateCompleted  RunState = "completed"
)

// IsTerminal reports whether no further work happens in this state without
// an explicit new start (or a retry, for completed runs).
func (s RunState) IsTerminal() bool {
	return s == RunStateCancelled || s == RunStateCompleted
}

// Action is a control command accepted by the orchestrator.
type Action string

const (
	ActionStart  Action = "start"
	ActionStatus Action = "status"
	ActionCancel Action = "cancel"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
)

// Valid reports whether a is one of the known control actions.
func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStatus, ActionCancel, ActionPause, ActionResume, ActionRetry:
		return true
	}
	return false
}
