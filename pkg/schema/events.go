package schema

// Event type constants published on the run event stream.
const (
	EventPanelOpened     = "panel.opened"
	EventParamsRequested = "run.awaiting_params"
	EventRunStarted      = "run.started"
	EventRunCompleted    = "run.completed"
	EventRunFailed       = "run.failed"
	EventRunStopped      = "run.stopped"
	EventRunPaused       = "run.paused"
	EventRunResumed      = "run.resumed"
	EventValidationFail  = "run.validation_failed"
	EventPendingClaimed  = "pending.claimed"
	EventLayoutChanged   = "layout.changed"
)

// RunStatus is the lifecycle state of a node's single-step run.
type RunStatus string

const (
	RunStatusIdle           RunStatus = "idle"
	RunStatusAwaitingParams RunStatus = "awaiting_params"
	RunStatusRunning        RunStatus = "running"
	RunStatusPaused         RunStatus = "paused"
	RunStatusStopped        RunStatus = "stopped"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// ActionType enumerates cross-component run requests.
type ActionType string

const (
	ActionRun  ActionType = "run"
	ActionStop ActionType = "stop"
)

// PendingAction is a run or stop request addressed to a node's controller.
type PendingAction struct {
	ID     string     `json:"id"`
	NodeID string     `json:"node_id"`
	Action ActionType `json:"action"`
}
