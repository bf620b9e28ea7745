// Package orchestrate glues the engine together for one job at a time:
// plan the submitted task, publish the sub-tasks to a board, run the wave
// executor with the quality gate, apply reviewer adjustments, and aggregate
// the results. It also keeps the in-memory job table the API serves from.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthive/hive/pkg/aggregate"
	"github.com/agenthive/hive/pkg/board"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/events"
	"github.com/agenthive/hive/pkg/executor"
	"github.com/agenthive/hive/pkg/metrics"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/planner"
	"github.com/agenthive/hive/pkg/review"
)

// Sentinel errors for job table operations.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrEmptyTask   = errors.New("empty task content")
)

// emitBuffer bounds the per-job event queue. Overflow drops the event with
// a warning rather than stalling the dispatcher.
const emitBuffer = 256

// PlanSource produces an execution plan for a task.
type PlanSource interface {
	Plan(ctx context.Context, task string) (models.Plan, error)
}

// Recorder persists job and step snapshots. Implemented by the run store;
// the engine runs fully in-memory when none is wired.
type Recorder interface {
	SaveJob(ctx context.Context, view JobView) error
	SaveStep(ctx context.Context, jobID string, task models.SubTask, result models.SubTaskResult) error
}

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Content    string `json:"content"`
	OutputType string `json:"output_type,omitempty"` // report, code, composite
	Strategy   string `json:"strategy,omitempty"`    // first_wins, last_wins, majority_vote, manual
}

// Options configures an Orchestrator.
type Options struct {
	Planner   PlanSource
	NewWorker executor.WorkerFactory
	Roles     *config.RoleRegistry
	Engine    *config.EngineConfig
	Defaults  *config.Defaults

	// Gate is the quality gate; nil disables review.
	Gate executor.Reviewer

	// Emitter receives progress events; nil discards them.
	Emitter events.Emitter

	// Metrics records engine activity; nil disables collection.
	Metrics *metrics.Metrics

	// Recorder persists job and step snapshots; nil keeps runs in memory.
	Recorder Recorder

	Logger *slog.Logger
}

// Orchestrator owns the job table and drives each job through its
// lifecycle on a dedicated goroutine.
type Orchestrator struct {
	planner   PlanSource
	newWorker executor.WorkerFactory
	roles     *config.RoleRegistry
	engine    *config.EngineConfig
	defaults  *config.Defaults
	gate      executor.Reviewer
	emitter   events.Emitter
	metrics   *metrics.Metrics
	recorder  Recorder
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	engine := opts.Engine
	if engine == nil {
		engine = config.DefaultEngineConfig()
	}
	defaults := opts.Defaults
	if defaults == nil {
		defaults = config.DefaultDefaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Orchestrator{
		planner:   opts.Planner,
		newWorker: opts.NewWorker,
		roles:     opts.Roles,
		engine:    engine,
		defaults:  defaults,
		gate:      opts.Gate,
		emitter:   emitter,
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		logger:    logger.With("component", "orchestrator"),
		jobs:      make(map[string]*Job),
	}
}

// Submit registers a job and starts running it in the background. The
// returned view reflects the job at registration time.
func (o *Orchestrator) Submit(req SubmitRequest) (JobView, error) {
	if req.Content == "" {
		return JobView{}, ErrEmptyTask
	}
	outputType, err := parseOutputType(req.OutputType)
	if err != nil {
		return JobView{}, err
	}
	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		return JobView{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:         uuid.New().String(),
		content:    req.Content,
		outputType: outputType,
		strategy:   strategy,
		status:     JobPlanning,
		createdAt:  time.Now(),
		cancel:     cancel,
	}

	o.mu.Lock()
	o.jobs[job.id] = job
	o.mu.Unlock()

	events.LogEmit(ctx, o.emitter, job.id, events.NewTaskCreated(job.id, job.content))
	o.metrics.JobStarted()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, job)
	}()

	return job.View(), nil
}

// Get returns a snapshot of the job.
func (o *Orchestrator) Get(id string) (JobView, error) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.View(), nil
}

// List returns snapshots of all jobs, newest first.
func (o *Orchestrator) List() []JobView {
	o.mu.Lock()
	jobs := make([]*Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		jobs = append(jobs, job)
	}
	o.mu.Unlock()

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Cancel stops a running job. Terminal jobs return ErrJobFinished.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	job, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status().IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	job.cancel()
	return nil
}

// Delete cancels the job if needed and removes it from the table.
func (o *Orchestrator) Delete(id string) error {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if ok {
		delete(o.jobs, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job.cancel()
	events.LogEmit(context.Background(), o.emitter, id, events.NewTaskDeleted(id))
	return nil
}

// Shutdown cancels every running job and waits for the run goroutines,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, job := range o.jobs {
		job.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

// run drives one job from planning to a terminal state.
func (o *Orchestrator) run(ctx context.Context, job *Job) {
	logger := o.logger.With("job_id", job.id)
	start := time.Now()

	// Terminal events and snapshots must go out even after cancellation.
	emitCtx := context.WithoutCancel(ctx)
	enqueue, stopAsync := o.startAsyncLoop(emitCtx, logger)

	emit := func(payload any) {
		enqueue(func(ctx context.Context) {
			events.LogEmit(ctx, o.emitter, job.id, payload)
		})
	}
	saveJob := func() {
		if o.recorder == nil {
			return
		}
		view := job.View()
		enqueue(func(ctx context.Context) {
			if err := o.recorder.SaveJob(ctx, view); err != nil {
				logger.Warn("Job snapshot not saved", "error", err)
			}
		})
	}
	saveStep := func(task models.SubTask, result models.SubTaskResult) {
		if o.recorder == nil {
			return
		}
		enqueue(func(ctx context.Context) {
			if err := o.recorder.SaveStep(ctx, job.id, task, result); err != nil {
				logger.Warn("Step snapshot not saved", "step_id", task.ID, "error", err)
			}
		})
	}
	saveJob()

	finish := func(outcome string) {
		saveJob()
		stopAsync()
		waves := 0
		if job.report != nil {
			waves = job.report.TotalWaves
		}
		o.metrics.JobFinished(outcome, time.Since(start), waves)
		logger.Info("Job finished", "outcome", outcome, "duration", time.Since(start))
	}

	plan, err := o.planner.Plan(ctx, job.content)
	if err != nil {
		if ctx.Err() != nil {
			job.setStatus(JobCancelled)
			finish("cancelled")
			return
		}
		logger.Error("Planning failed", "error", err)
		job.fail(fmt.Sprintf("planning failed: %v", err))
		events.LogEmit(emitCtx, o.emitter, job.id, events.NewTaskCompleted(job.id, false, 0, 0, 0, 0))
		finish("failed")
		return
	}

	subtasks := SubTasksFromPlan(job.id, plan, o.roles, o.defaults.FallbackRole)
	b := board.New()
	if err := b.Publish(subtasks); err != nil {
		logger.Error("Publishing plan failed", "error", err, "steps", len(subtasks))
		job.fail(fmt.Sprintf("publishing plan: %v", err))
		events.LogEmit(emitCtx, o.emitter, job.id, events.NewTaskCompleted(job.id, false, 0, 0, 0, 0))
		finish("failed")
		return
	}

	job.mu.Lock()
	job.board = b
	job.mu.Unlock()
	job.setPlan(plan, planner.WavePreview(plan), subtasks)
	job.setStatus(JobRunning)
	saveJob()
	logger.Info("Plan published", "steps", len(subtasks), "refined_task", plan.RefinedTask)

	// A shared gate is scoped to this job's board so the reviewer sees the
	// remaining steps of the job it is reviewing.
	gate := o.gate
	if g, ok := gate.(*review.Gate); ok {
		gate = g.WithBoard(b)
	}

	exec := executor.New(executor.Options{
		Board:     b,
		Roles:     o.roles,
		Engine:    o.engine,
		Defaults:  o.defaults,
		NewWorker: o.newWorker,
		Gate:      gate,
		Hooks:     o.hooksFor(job, emit, saveStep),
		Logger:    logger,
	})

	report, runErr := exec.Run(ctx)
	job.mu.Lock()
	job.report = report
	job.mu.Unlock()

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		job.setStatus(JobCancelled)
		events.LogEmit(emitCtx, o.emitter, job.id,
			events.NewTaskCompleted(job.id, false, report.Completed, report.Failed, 0, 0))
		finish("cancelled")
		return
	}
	if runErr != nil {
		logger.Error("Execution failed", "error", runErr)
		job.fail(fmt.Sprintf("execution failed: %v", runErr))
		events.LogEmit(emitCtx, o.emitter, job.id,
			events.NewTaskCompleted(job.id, false, report.Completed, report.Failed, 0, 0))
		finish("failed")
		return
	}

	planned := job.plannedSubTasks()
	results := make([]models.SubTaskResult, 0, len(report.Results))
	for _, result := range report.Results {
		results = append(results, result)
	}
	dec := aggregate.Decomposition{
		TaskID:   job.id,
		SubTasks: planned,
		Layers:   aggregate.LayersFrom(planned),
	}
	agg := aggregate.New(logger).Aggregate(results, dec, job.strategy, job.outputType)

	job.mu.Lock()
	job.result = &agg
	job.mu.Unlock()

	outcome := "failed"
	if agg.Success {
		job.setStatus(JobCompleted)
		outcome = "completed"
	} else {
		job.setStatus(JobFailed)
	}
	events.LogEmit(emitCtx, o.emitter, job.id, events.NewTaskCompleted(
		job.id, agg.Success,
		agg.Summary.Completed, agg.Summary.Failed, agg.Summary.Missing,
		agg.Summary.SuccessRatePercent))
	finish(outcome)
}

// hooksFor wires executor callbacks to events, metrics, persistence, and
// adjustment application. Callbacks push work onto the buffered async queue
// so the dispatcher never blocks on the store.
func (o *Orchestrator) hooksFor(job *Job, emit func(payload any), saveStep func(models.SubTask, models.SubTaskResult)) executor.Hooks {
	return executor.Hooks{
		OnSpawn: func(task models.SubTask, workerID string, wave int) {
			o.metrics.WorkerSpawned()
			emit(events.NewStepStatus(job.id, task.ID, task.Role, string(models.TaskRunning), ""))
			emit(events.NewAgentEvent(events.EventTypeAgentCreated, job.id, workerID, task.Role, "busy", task.ID))
		},
		OnFinish: func(task models.SubTask, result models.SubTaskResult) {
			o.metrics.WorkerFinished()
			o.metrics.RecordTokens(o.modelFor(result.Role), result.TokenUsage)
			o.metrics.RecordToolCalls(result.ToolCalls)

			status := models.TaskCompleted
			if !result.Success {
				status = models.TaskFailed
			}
			emit(events.NewStepStatus(job.id, task.ID, result.Role, string(status), result.Error))
			emit(events.NewAgentEvent(events.EventTypeAgentRemoved, job.id, result.WorkerID, result.Role, "done", task.ID))
			saveStep(task, result)

			counts := job.board.Status()
			emit(events.NewTaskProgress(job.id, string(JobRunning),
				counts.Completed, counts.Failed+counts.Blocked, counts.Running, counts.Total))
		},
		OnReview: func(task models.SubTask, review models.ReviewResult) {
			o.metrics.RecordReview(review.Score)
			emit(events.NewStepReviewed(job.id, task.ID, review.Score,
				string(review.Action), review.Reason, review.Attempt))
			o.applyAdjustments(job, task.ID, review.Adjustments)
		},
	}
}

// startAsyncLoop drains the per-job work queue (event emission, snapshot
// writes) on its own goroutine. The returned enqueue function never blocks;
// overflow drops the work item.
func (o *Orchestrator) startAsyncLoop(ctx context.Context, logger *slog.Logger) (func(func(context.Context)), func()) {
	ch := make(chan func(context.Context), emitBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for fn := range ch {
			fn(ctx)
		}
	}()

	enqueue := func(fn func(context.Context)) {
		select {
		case ch <- fn:
		default:
			logger.Warn("Async queue full, dropping work item")
		}
	}
	stop := func() {
		close(ch)
		<-done
	}
	return enqueue, stop
}

func (o *Orchestrator) modelFor(roleKey string) string {
	role, _ := o.roles.Resolve(roleKey, o.defaults.FallbackRole)
	if role != nil && role.Model != "" {
		return role.Model
	}
	return o.defaults.Model
}

// SubTasksFromPlan converts plan steps to board sub-tasks: description (or
// name) becomes the content, step numbers become priorities, unknown agent
// types fall back, and dependencies outside the plan are dropped.
func SubTasksFromPlan(jobID string, plan models.Plan, roles *config.RoleRegistry, fallbackRole string) []models.SubTask {
	steps := make([]models.PlanStep, 0, len(plan.ExecutionFlow.Steps))
	for id, step := range plan.ExecutionFlow.Steps {
		if step.StepID == "" {
			step.StepID = id
		}
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepNumber != steps[j].StepNumber {
			return steps[i].StepNumber < steps[j].StepNumber
		}
		return steps[i].StepID < steps[j].StepID
	})

	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		known[step.StepID] = true
	}

	subtasks := make([]models.SubTask, 0, len(steps))
	for _, step := range steps {
		content := step.Description
		if content == "" {
			content = step.Name
		}
		role := step.AgentType
		if roles != nil && !roles.Has(role) {
			role = fallbackRole
		}
		var deps []string
		for _, dep := range step.Dependencies {
			if dep != step.StepID && known[dep] {
				deps = append(deps, dep)
			}
		}
		subtasks = append(subtasks, models.SubTask{
			ID:             step.StepID,
			ParentTaskID:   jobID,
			Name:           step.Name,
			Content:        content,
			Role:           role,
			Dependencies:   deps,
			Priority:       step.StepNumber,
			ExpectedOutput: step.ExpectedOutput,
		})
	}
	return subtasks
}

func parseOutputType(s string) (aggregate.OutputType, error) {
	switch aggregate.OutputType(s) {
	case "":
		return aggregate.Report, nil
	case aggregate.Report, aggregate.Code, aggregate.Composite:
		return aggregate.OutputType(s), nil
	default:
		return "", fmt.Errorf("unknown output type %q", s)
	}
}

func parseStrategy(s string) (aggregate.Strategy, error) {
	switch aggregate.Strategy(s) {
	case "":
		return aggregate.FirstWins, nil
	case aggregate.FirstWins, aggregate.LastWins, aggregate.MajorityVote, aggregate.Manual:
		return aggregate.Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown aggregation strategy %q", s)
	}
}
