package domain

import "time"

type RunStatus string

const (
	RunStatusAccepted  RunStatus = "accepted"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TaskRun tracks one dispatched attempt through accepted -> running -> completed|failed.
type TaskRun struct {
	ID        string           `json:"id"`
	Key       string           `json:"key"`
	Task      string           `json:"task"`
	Round     Round            `json:"round"`
	Status    RunStatus        `json:"status"`
	Message   string           `json:"message"`
	Error     string           `json:"error,omitempty"`
	Outcome   *TaskOutcome     `json:"outcome,omitempty"`
	Artifacts []ArtifactResult `json:"artifacts,omitempty"`
	Notified  bool             `json:"notified"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
