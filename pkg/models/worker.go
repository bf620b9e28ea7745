package models

import "errors"

// WorkerStatus is the lifecycle state of a worker agent.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerRunning    WorkerStatus = "running"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerTerminated WorkerStatus = "terminated"
)

// ErrInvalidTransition indicates a worker state change that the lifecycle
// does not permit, such as leaving a terminal state.
var ErrInvalidTransition = errors.New("invalid worker state transition")

var validWorkerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerIdle:    {WorkerRunning, WorkerTerminated},
	WorkerRunning: {WorkerCompleted, WorkerFailed, WorkerTerminated},
}

// IsTerminal reports whether the status permits no further transitions.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerCompleted || s == WorkerFailed || s == WorkerTerminated
}

// CanTransition reports whether moving from s to next is a valid lifecycle step.
func (s WorkerStatus) CanTransition(next WorkerStatus) bool {
	for _, allowed := range validWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
