// Package models defines the domain types shared across the engine:
// sub-tasks, board entries, worker results, plans, and review outcomes.
package models

import (
	"time"
)

// TaskStatus is the lifecycle state of a sub-task on the board.
type TaskStatus string

const (
	// TaskPending means all dependencies are satisfied and the task is claimable.
	TaskPending TaskStatus = "pending"
	// TaskWaiting means at least one dependency has not completed yet.
	TaskWaiting TaskStatus = "waiting"
	// TaskClaimed means a worker holds the task but has not started it.
	TaskClaimed TaskStatus = "claimed"
	// TaskRunning means a worker is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted is terminal: the task produced a result.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is terminal: the task exhausted its retries.
	TaskFailed TaskStatus = "failed"
	// TaskBlocked is terminal: an upstream dependency failed or was blocked.
	TaskBlocked TaskStatus = "blocked"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// SubTask is one unit of work produced by planning.
type SubTask struct {
	ID             string   `json:"id"`
	ParentTaskID   string   `json:"parent_task_id"`
	Name           string   `json:"name,omitempty"`
	Content        string   `json:"content"`
	Role           string   `json:"role"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Priority       int      `json:"priority"` // higher dispatches earlier on ties
	Complexity     float64  `json:"complexity,omitempty"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
}

// TaskEntry is a SubTask plus its board bookkeeping. The board owns entries
// and hands out copies; mutate only through board operations.
type TaskEntry struct {
	Task        SubTask        `json:"task"`
	Status      TaskStatus     `json:"status"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	ClaimedAt   time.Time      `json:"claimed_at,omitzero"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Result      *SubTaskResult `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	PublishSeq  int            `json:"-"` // publish order, tie-break after priority
}

// BoardStatus is a point-in-time count of board entries by status.
type BoardStatus struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Waiting   int `json:"waiting"`
	Claimed   int `json:"claimed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Terminal reports whether every published task reached a terminal status.
// An empty board is vacuously terminal.
func (s BoardStatus) Terminal() bool {
	return s.Completed+s.Failed+s.Blocked == s.Total
}
