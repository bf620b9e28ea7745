package events

import "time"

// Every payload carries its event type in "type", the owning job id in
// "task_id", and an RFC3339Nano timestamp. Constructors fill all three.

// TaskCreatedPayload announces a newly submitted job.
type TaskCreatedPayload struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewTaskCreated builds a task_created payload.
func NewTaskCreated(taskID, content string) TaskCreatedPayload {
	return TaskCreatedPayload{
		Type:      EventTypeTaskCreated,
		TaskID:    taskID,
		Content:   content,
		Timestamp: now(),
	}
}

// TaskProgressPayload is the transient progress tick of a running job.
type TaskProgressPayload struct {
	Type            string `json:"type"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Running         int    `json:"running"`
	Total           int    `json:"total"`
	Timestamp       string `json:"timestamp"`
}

// NewTaskProgress builds a task_progress payload. The percentage is derived
// from completed/total.
func NewTaskProgress(taskID, status string, completed, failed, running, total int) TaskProgressPayload {
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	return TaskProgressPayload{
		Type:            EventTypeTaskProgress,
		TaskID:          taskID,
		Status:          status,
		ProgressPercent: percent,
		Completed:       completed,
		Failed:          failed,
		Running:         running,
		Total:           total,
		Timestamp:       now(),
	}
}

// StepStatusPayload announces a board status transition of one step.
type StepStatusPayload struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	StepID    string `json:"step_id"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewStepStatus builds a step_status_changed payload.
func NewStepStatus(taskID, stepID, role, status, errMsg string) StepStatusPayload {
	return StepStatusPayload{
		Type:      EventTypeStepStatus,
		TaskID:    taskID,
		StepID:    stepID,
		Role:      role,
		Status:    status,
		Error:     errMsg,
		Timestamp: now(),
	}
}

// StepReviewedPayload announces a quality-gate verdict for one step.
type StepReviewedPayload struct {
	Type      string  `json:"type"`
	TaskID    string  `json:"task_id"`
	StepID    string  `json:"step_id"`
	Score     float64 `json:"score"`
	Action    string  `json:"action"`
	Reason    string  `json:"reason,omitempty"`
	Attempt   int     `json:"attempt"`
	Timestamp string  `json:"timestamp"`
}

// NewStepReviewed builds a step_reviewed payload.
func NewStepReviewed(taskID, stepID string, score float64, action, reason string, attempt int) StepReviewedPayload {
	return StepReviewedPayload{
		Type:      EventTypeStepReviewed,
		TaskID:    taskID,
		StepID:    stepID,
		Score:     score,
		Action:    action,
		Reason:    reason,
		Attempt:   attempt,
		Timestamp: now(),
	}
}

// AgentPayload describes one worker for the agent lifecycle events
// (agent_created, agent_updated, agent_removed).
type AgentPayload struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	StepID    string `json:"step_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewAgentEvent builds an agent lifecycle payload of the given event type.
func NewAgentEvent(eventType, taskID, agentID, role, status, stepID string) AgentPayload {
	return AgentPayload{
		Type:      eventType,
		TaskID:    taskID,
		AgentID:   agentID,
		Role:      role,
		Status:    status,
		StepID:    stepID,
		Timestamp: now(),
	}
}

// AgentStreamPayload carries a model output chunk from a running worker.
// FullContent is the concatenation so far, so a client that joins late
// renders the full text from the next chunk.
type AgentStreamPayload struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Chunk       string `json:"chunk"`
	FullContent string `json:"full_content"`
	Timestamp   string `json:"timestamp"`
}

// NewAgentStream builds an agent_stream payload.
func NewAgentStream(taskID, agentID, chunk, fullContent string) AgentStreamPayload {
	return AgentStreamPayload{
		Type:        EventTypeAgentStream,
		TaskID:      taskID,
		AgentID:     agentID,
		Chunk:       chunk,
		FullContent: fullContent,
		Timestamp:   now(),
	}
}

// TaskCompletedPayload announces a finished job with its summary counts.
type TaskCompletedPayload struct {
	Type      string  `json:"type"`
	TaskID    string  `json:"task_id"`
	Success   bool    `json:"success"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Missing   int     `json:"missing"`
	Score     float64 `json:"success_rate_percent"`
	Timestamp string  `json:"timestamp"`
}

// NewTaskCompleted builds a task_completed payload.
func NewTaskCompleted(taskID string, success bool, completed, failed, missing int, successRate float64) TaskCompletedPayload {
	return TaskCompletedPayload{
		Type:      EventTypeTaskCompleted,
		TaskID:    taskID,
		Success:   success,
		Completed: completed,
		Failed:    failed,
		Missing:   missing,
		Score:     successRate,
		Timestamp: now(),
	}
}

// TaskDeletedPayload announces a job removal.
type TaskDeletedPayload struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Timestamp string `json:"timestamp"`
}

// NewTaskDeleted builds a task_deleted payload.
func NewTaskDeleted(taskID string) TaskDeletedPayload {
	return TaskDeletedPayload{
		Type:      EventTypeTaskDeleted,
		TaskID:    taskID,
		Timestamp: now(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
