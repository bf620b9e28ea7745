package models

import "time"

// TokenUsage accumulates token counts across the LLM calls of one worker.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds another usage sample into the accumulator.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallRecord is the audit record of a single tool invocation.
type ToolCallRecord struct {
	ID        string    `json:"id"`
	ToolName  string    `json:"tool_name"`
	Arguments string    `json:"arguments"` // JSON as sent to the handler
	Result    string    `json:"result,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CallerID  string    `json:"caller_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns the wall time the invocation took.
func (r ToolCallRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// SubTaskResult is the terminal outcome of one worker executing one sub-task.
// Results transfer by value into the aggregator; nothing mutates them after
// the worker reaches a terminal state.
type SubTaskResult struct {
	SubTaskID     string           `json:"subtask_id"`
	WorkerID      string           `json:"worker_id"`
	Role          string           `json:"role"`
	Success       bool             `json:"success"`
	Output        string           `json:"output"`
	Error         string           `json:"error,omitempty"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
	ExecutionTime time.Duration    `json:"execution_time"`
	TokenUsage    TokenUsage       `json:"token_usage"`
}
