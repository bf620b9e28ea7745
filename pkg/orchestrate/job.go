package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/agenthive/hive/pkg/aggregate"
	"github.com/agenthive/hive/pkg/board"
	"github.com/agenthive/hive/pkg/executor"
	"github.com/agenthive/hive/pkg/models"
)

// JobStatus is the lifecycle state of one submitted job.
type JobStatus string

const (
	JobPlanning  JobStatus = "planning"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// AdjustmentRecord is one reviewer directive and how it was applied to the
// board.
type AdjustmentRecord struct {
	Type      models.AdjustmentType `json:"type"`
	StepID    string                `json:"step_id"`
	SourceID  string                `json:"source_step_id"` // step whose review produced it
	Applied   bool                  `json:"applied"`
	Detail    string                `json:"detail,omitempty"`
	Error     string                `json:"error,omitempty"`
	AppliedAt time.Time             `json:"applied_at"`
}

// Job is one submitted task and everything produced while running it. The
// run goroutine is the only writer; accessors snapshot under the mutex.
type Job struct {
	mu sync.Mutex

	id         string
	content    string
	outputType aggregate.OutputType
	strategy   aggregate.Strategy

	status      JobStatus
	plan        *models.Plan
	wavePreview [][]string
	board       *board.Board
	subtasks    []models.SubTask
	adjustments []AdjustmentRecord
	report      *executor.ExecutionReport
	result      *aggregate.Result
	errMsg      string

	createdAt   time.Time
	completedAt time.Time

	cancel context.CancelFunc
}

// JobView is an immutable snapshot of a Job for API responses.
type JobView struct {
	ID          string                    `json:"id"`
	Content     string                    `json:"content"`
	OutputType  aggregate.OutputType      `json:"output_type"`
	Strategy    aggregate.Strategy        `json:"strategy"`
	Status      JobStatus                 `json:"status"`
	Plan        *models.Plan              `json:"plan,omitempty"`
	WavePreview [][]string                `json:"wave_preview,omitempty"`
	Board       models.BoardStatus        `json:"board"`
	Steps       []models.TaskEntry        `json:"steps,omitempty"`
	Adjustments []AdjustmentRecord        `json:"adjustments,omitempty"`
	Report      *executor.ExecutionReport `json:"report,omitempty"`
	Result      *aggregate.Result         `json:"result,omitempty"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt time.Time                 `json:"completed_at,omitzero"`
}

// View snapshots the job.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	view := JobView{
		ID:          j.id,
		Content:     j.content,
		OutputType:  j.outputType,
		Strategy:    j.strategy,
		Status:      j.status,
		Plan:        j.plan,
		WavePreview: j.wavePreview,
		Adjustments: append([]AdjustmentRecord(nil), j.adjustments...),
		Report:      j.report,
		Result:      j.result,
		Error:       j.errMsg,
		CreatedAt:   j.createdAt,
		CompletedAt: j.completedAt,
	}
	if j.board != nil {
		view.Board = j.board.Status()
		view.Steps = j.board.Snapshot()
	}
	return view
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Status returns the current lifecycle state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	if s.IsTerminal() {
		j.completedAt = time.Now()
	}
	j.mu.Unlock()
}

func (j *Job) setPlan(plan models.Plan, preview [][]string, subtasks []models.SubTask) {
	j.mu.Lock()
	p := plan
	j.plan = &p
	j.wavePreview = preview
	j.subtasks = subtasks
	j.mu.Unlock()
}

func (j *Job) fail(msg string) {
	j.mu.Lock()
	j.status = JobFailed
	j.errMsg = msg
	j.completedAt = time.Now()
	j.mu.Unlock()
}

func (j *Job) recordAdjustment(rec AdjustmentRecord) {
	j.mu.Lock()
	j.adjustments = append(j.adjustments, rec)
	j.mu.Unlock()
}

func (j *Job) addSubTask(task models.SubTask) {
	j.mu.Lock()
	j.subtasks = append(j.subtasks, task)
	j.mu.Unlock()
}

func (j *Job) removeSubTask(id string) {
	j.mu.Lock()
	for i, task := range j.subtasks {
		if task.ID == id {
			j.subtasks = append(j.subtasks[:i], j.subtasks[i+1:]...)
			break
		}
	}
	j.mu.Unlock()
}

func (j *Job) plannedSubTasks() []models.SubTask {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.SubTask(nil), j.subtasks...)
}
