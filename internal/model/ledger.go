package model

import "time"

// TaskStatus is the task status ledger's lifecycle state (spec.md §3).
// Legal transitions: pending->in_progress; in_progress->{stopped,
// completed, failed}; stopped->in_progress on resume; completed is
// terminal until the task file itself changes.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskStopped    TaskStatus = "stopped"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// allowedTaskTransitions enumerates every legal (from, to) pair.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending:    {TaskInProgress: true},
	TaskInProgress: {TaskStopped: true, TaskCompleted: true, TaskFailed: true},
	TaskStopped:    {TaskInProgress: true},
	TaskCompleted:  {},
	TaskFailed:     {},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	next, ok := allowedTaskTransitions[from]
	return ok && next[to]
}

// TaskLedgerEntry is one task path's row in the single per-repo JSON
// ledger file (spec.md §3).
type TaskLedgerEntry struct {
	Status            TaskStatus `json:"status"`
	FirstSeenAt       time.Time  `json:"first_seen_at"`
	LastUpdatedAt     time.Time  `json:"last_updated_at"`
	LastRunID         string     `json:"last_run_id,omitempty"`
	LastCheckpointSHA string     `json:"last_checkpoint_sha,omitempty"`
	LastErrorSummary  string     `json:"last_error_summary,omitempty"`
	LastStopReason    string     `json:"last_stop_reason,omitempty"`
}

// TaskLedger is the repo-wide mapping of task path -> entry, with a
// schema version for forward compatibility (mirrors the sidecar's own
// schema_version discipline).
type TaskLedger struct {
	SchemaVersion int                        `json:"schema_version"`
	Tasks         map[string]TaskLedgerEntry  `json:"tasks"`
}

// NewTaskLedger returns an empty, correctly versioned ledger.
func NewTaskLedger() *TaskLedger {
	return &TaskLedger{SchemaVersion: 1, Tasks: map[string]TaskLedgerEntry{}}
}
