package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/orchestrate"
)

var _ orchestrate.Recorder = (*Client)(nil)

// StepRecord is one persisted step result.
type StepRecord struct {
	JobID           string                  `json:"job_id"`
	StepID          string                  `json:"step_id"`
	Name            string                  `json:"name,omitempty"`
	Role            string                  `json:"role"`
	Content         string                  `json:"content,omitempty"`
	Success         bool                    `json:"success"`
	WorkerID        string                  `json:"worker_id,omitempty"`
	Output          string                  `json:"output,omitempty"`
	Error           string                  `json:"error,omitempty"`
	ToolCalls       []models.ToolCallRecord `json:"tool_calls,omitempty"`
	TokenUsage      models.TokenUsage       `json:"token_usage"`
	ExecutionTimeMS int64                   `json:"execution_time_ms"`
	FinishedAt      time.Time               `json:"finished_at"`
}

// SaveJob upserts the full job snapshot. The orchestrator calls this at
// every lifecycle transition, so the row always reflects the latest view.
func (c *Client) SaveJob(ctx context.Context, view orchestrate.JobView) error {
	snapshot, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshaling job snapshot: %w", err)
	}

	var completedAt *time.Time
	if !view.CompletedAt.IsZero() {
		completedAt = &view.CompletedAt
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO jobs (id, content, output_type, strategy, status, error, snapshot, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			snapshot = EXCLUDED.snapshot,
			completed_at = EXCLUDED.completed_at`,
		view.ID, view.Content, string(view.OutputType), string(view.Strategy),
		string(view.Status), view.Error, snapshot, view.CreatedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", view.ID, err)
	}
	return nil
}

// SaveStep upserts one step result. Retried steps overwrite the earlier
// attempt; only the latest outcome is kept.
func (c *Client) SaveStep(ctx context.Context, jobID string, task models.SubTask, result models.SubTaskResult) error {
	toolCalls, err := json.Marshal(result.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshaling tool calls: %w", err)
	}
	tokenUsage, err := json.Marshal(result.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshaling token usage: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO steps (job_id, step_id, name, role, content, success, worker_id,
			output, error, tool_calls, token_usage, execution_time_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id, step_id) DO UPDATE SET
			success = EXCLUDED.success,
			worker_id = EXCLUDED.worker_id,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			tool_calls = EXCLUDED.tool_calls,
			token_usage = EXCLUDED.token_usage,
			execution_time_ms = EXCLUDED.execution_time_ms,
			finished_at = EXCLUDED.finished_at`,
		jobID, task.ID, task.Name, result.Role, task.Content, result.Success,
		result.WorkerID, result.Output, result.Error, toolCalls, tokenUsage,
		result.ExecutionTime.Milliseconds(), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("saving step %s/%s: %w", jobID, task.ID, err)
	}
	return nil
}

// GetJob returns the stored snapshot for one job.
func (c *Client) GetJob(ctx context.Context, id string) (orchestrate.JobView, error) {
	var snapshot []byte
	err := c.db.QueryRowContext(ctx, `SELECT snapshot FROM jobs WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, stdsql.ErrNoRows) {
		return orchestrate.JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return orchestrate.JobView{}, fmt.Errorf("loading job %s: %w", id, err)
	}

	var view orchestrate.JobView
	if err := json.Unmarshal(snapshot, &view); err != nil {
		return orchestrate.JobView{}, fmt.Errorf("unmarshaling job snapshot %s: %w", id, err)
	}
	return view, nil
}

// ListJobs returns stored job snapshots, newest first. A non-positive limit
// returns everything.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]orchestrate.JobView, error) {
	query := `SELECT snapshot FROM jobs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var views []orchestrate.JobView
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		var view orchestrate.JobView
		if err := json.Unmarshal(snapshot, &view); err != nil {
			return nil, fmt.Errorf("unmarshaling job snapshot: %w", err)
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return views, nil
}

// ListSteps returns the persisted step results for one job, oldest first.
func (c *Client) ListSteps(ctx context.Context, jobID string) ([]StepRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT job_id, step_id, name, role, content, success, worker_id,
			output, error, tool_calls, token_usage, execution_time_ms, finished_at
		FROM steps WHERE job_id = $1 ORDER BY finished_at, step_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []StepRecord
	for rows.Next() {
		var rec StepRecord
		var toolCalls, tokenUsage []byte
		err := rows.Scan(&rec.JobID, &rec.StepID, &rec.Name, &rec.Role, &rec.Content,
			&rec.Success, &rec.WorkerID, &rec.Output, &rec.Error,
			&toolCalls, &tokenUsage, &rec.ExecutionTimeMS, &rec.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning step row: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &rec.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshaling tool calls: %w", err)
			}
		}
		if len(tokenUsage) > 0 {
			if err := json.Unmarshal(tokenUsage, &rec.TokenUsage); err != nil {
				return nil, fmt.Errorf("unmarshaling token usage: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows: %w", err)
	}
	return records, nil
}

// DeleteJob removes the job, its steps (via cascade), and its event stream.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE task_id = $1`, id); err != nil {
		return fmt.Errorf("deleting events for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete transaction: %w", err)
	}
	return nil
}
