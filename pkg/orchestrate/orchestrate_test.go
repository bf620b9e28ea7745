package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/aggregate"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/events"
	"github.com/agenthive/hive/pkg/executor"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/review"
)

type stubPlanner struct {
	plan models.Plan
	err  error
}

func (p *stubPlanner) Plan(context.Context, string) (models.Plan, error) {
	return p.plan, p.err
}

type stubWorker struct {
	id      string
	role    *config.Role
	execute func(ctx context.Context, task models.SubTask) (models.SubTaskResult, error)
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) Execute(ctx context.Context, task models.SubTask) (models.SubTaskResult, error) {
	if w.execute != nil {
		return w.execute(ctx, task)
	}
	return models.SubTaskResult{
		SubTaskID: task.ID,
		WorkerID:  w.id,
		Role:      w.role.Key,
		Success:   true,
		Output:    "output for " + task.ID,
	}, nil
}

func (w *stubWorker) Stop(context.Context) {}

func succeedingFactory() executor.WorkerFactory {
	return func(workerID string, role *config.Role) executor.Worker {
		return &stubWorker{id: workerID, role: role}
	}
}

type recordingEmitter struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recordingEmitter) Emit(_ context.Context, _ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingEmitter) types(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, p := range r.payloads {
		data, err := json.Marshal(p)
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		out = append(out, head.Type)
	}
	return out
}

type recordingRecorder struct {
	mu    sync.Mutex
	jobs  []JobView
	steps []models.SubTaskResult
}

func (r *recordingRecorder) SaveJob(_ context.Context, view JobView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, view)
	return nil
}

func (r *recordingRecorder) SaveStep(_ context.Context, _ string, _ models.SubTask, result models.SubTaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, result)
	return nil
}

func planFixture() models.Plan {
	return models.Plan{
		RefinedTask: "research and write a summary",
		ExecutionFlow: models.ExecutionFlow{
			Steps: map[string]models.PlanStep{
				"step_1": {
					StepID: "step_1", StepNumber: 1, Name: "Research",
					Description: "Search the topic", AgentType: "searcher",
					ExpectedOutput: "findings",
				},
				"step_2": {
					StepID: "step_2", StepNumber: 2, Name: "Write",
					Description: "Write the summary", AgentType: "writer",
					Dependencies: []string{"step_1"}, ExpectedOutput: "report",
				},
			},
		},
	}
}

func fastEngine() *config.EngineConfig {
	engine := config.DefaultEngineConfig()
	engine.WorkerTimeout = 5 * time.Second
	engine.ReclaimInterval = 50 * time.Millisecond
	return engine
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Roles == nil {
		opts.Roles = config.NewRoleRegistry(config.BuiltinRoles())
	}
	if opts.Engine == nil {
		opts.Engine = fastEngine()
	}
	if opts.NewWorker == nil {
		opts.NewWorker = succeedingFactory()
	}
	return New(opts)
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		v, err := o.Get(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return view
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	emitter := &recordingEmitter{}
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{plan: planFixture()},
		Emitter: emitter,
	})

	view, err := o.Submit(SubmitRequest{Content: "summarize the topic"})
	require.NoError(t, err)
	require.NotEmpty(t, view.ID)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Equal(t, 2, final.Result.Summary.Total)
	assert.Equal(t, 2, final.Board.Completed)
	require.NotNil(t, final.Plan)
	assert.Equal(t, [][]string{{"step_1"}, {"step_2"}}, final.WavePreview)

	types := emitter.types(t)
	assert.Equal(t, "task_created", types[0])
	assert.Equal(t, "task_completed", types[len(types)-1])
	assert.Contains(t, types, "step_status_changed")
	assert.Contains(t, types, "agent_created")
	assert.Contains(t, types, "task_progress")
}

func TestRecorderReceivesSnapshots(t *testing.T) {
	recorder := &recordingRecorder{}
	o := newOrchestrator(t, Options{
		Planner:  &stubPlanner{plan: planFixture()},
		Recorder: recorder,
	})

	view, err := o.Submit(SubmitRequest{Content: "persist this run"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCompleted, final.Status)

	// Snapshots flush asynchronously; the terminal one lands after the
	// job turns terminal.
	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		if len(recorder.jobs) == 0 {
			return false
		}
		return recorder.jobs[len(recorder.jobs)-1].Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.GreaterOrEqual(t, len(recorder.jobs), 3)
	assert.Equal(t, JobPlanning, recorder.jobs[0].Status)
	require.Len(t, recorder.steps, 2)
	for _, step := range recorder.steps {
		assert.True(t, step.Success)
	}
}

func TestSubmitValidation(t *testing.T) {
	o := newOrchestrator(t, Options{Planner: &stubPlanner{plan: planFixture()}})

	_, err := o.Submit(SubmitRequest{})
	assert.ErrorIs(t, err, ErrEmptyTask)

	_, err = o.Submit(SubmitRequest{Content: "x", OutputType: "spreadsheet"})
	assert.ErrorContains(t, err, "unknown output type")

	_, err = o.Submit(SubmitRequest{Content: "x", Strategy: "coin_flip"})
	assert.ErrorContains(t, err, "unknown aggregation strategy")
}

func TestEmptyPlanCompletesVacuously(t *testing.T) {
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{plan: models.Plan{RefinedTask: "nothing to do"}},
	})

	view, err := o.Submit(SubmitRequest{Content: "a task the planner resolves to no steps"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Equal(t, "", final.Result.CombinedOutput)
	assert.Zero(t, final.Result.Summary.Total)
}

func TestPlannerFailureFailsJob(t *testing.T) {
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{err: errors.New("provider unavailable")},
	})

	view, err := o.Submit(SubmitRequest{Content: "doomed"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobFailed, final.Status)
	assert.Contains(t, final.Error, "planning failed")
}

func TestWorkerFailurePropagates(t *testing.T) {
	factory := func(workerID string, role *config.Role) executor.Worker {
		return &stubWorker{id: workerID, role: role,
			execute: func(_ context.Context, task models.SubTask) (models.SubTaskResult, error) {
				if task.ID == "step_1" {
					return models.SubTaskResult{}, errors.New("search backend down")
				}
				return models.SubTaskResult{SubTaskID: task.ID, WorkerID: workerID,
					Role: role.Key, Success: true, Output: "ok"}, nil
			}}
	}
	o := newOrchestrator(t, Options{
		Planner:   &stubPlanner{plan: planFixture()},
		NewWorker: factory,
	})

	view, err := o.Submit(SubmitRequest{Content: "fails upstream"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobFailed, final.Status)
	assert.Equal(t, 1, final.Board.Failed)
	assert.Equal(t, 1, final.Board.Blocked)
	require.NotNil(t, final.Result)
	assert.False(t, final.Result.Success)
}

func TestCancelStopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	factory := func(workerID string, role *config.Role) executor.Worker {
		return &stubWorker{id: workerID, role: role,
			execute: func(ctx context.Context, task models.SubTask) (models.SubTaskResult, error) {
				once.Do(func() { close(started) })
				<-ctx.Done()
				return models.SubTaskResult{}, ctx.Err()
			}}
	}
	o := newOrchestrator(t, Options{
		Planner:   &stubPlanner{plan: planFixture()},
		NewWorker: factory,
	})

	view, err := o.Submit(SubmitRequest{Content: "long running"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.NoError(t, o.Cancel(view.ID))

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCancelled, final.Status)

	assert.ErrorIs(t, o.Cancel(view.ID), ErrJobFinished)
}

func TestDeleteRemovesJob(t *testing.T) {
	emitter := &recordingEmitter{}
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{plan: planFixture()},
		Emitter: emitter,
	})

	view, err := o.Submit(SubmitRequest{Content: "short lived"})
	require.NoError(t, err)
	waitTerminal(t, o, view.ID)

	require.NoError(t, o.Delete(view.ID))
	_, err = o.Get(view.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, o.Delete(view.ID), ErrJobNotFound)

	assert.Contains(t, emitter.types(t), "task_deleted")
}

type adjustingGate struct {
	mu       sync.Mutex
	adjusted bool
}

func (g *adjustingGate) Review(_ context.Context, task models.SubTask, _ models.SubTaskResult, attempt int) (models.ReviewResult, error) {
	review := models.ReviewResult{
		StepID:  task.ID,
		Score:   8.0,
		Action:  models.ReviewAccept,
		Attempt: attempt,
	}
	g.mu.Lock()
	if task.ID == "step_1" && !g.adjusted {
		g.adjusted = true
		review.Adjustments = []models.Adjustment{{
			Type:   models.AdjustAddStep,
			StepID: "step_3",
			Details: map[string]any{
				"name":         "Verify",
				"description":  "Verify the findings",
				"agent_type":   "fact_checker",
				"dependencies": []any{"step_1"},
				"step_number":  3,
			},
		}}
	}
	g.mu.Unlock()
	return review, nil
}

func TestReviewAdjustmentAddsStep(t *testing.T) {
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{plan: planFixture()},
		Gate:    &adjustingGate{},
	})

	view, err := o.Submit(SubmitRequest{Content: "with adjustment"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCompleted, final.Status)
	assert.Equal(t, 3, final.Board.Completed)

	require.Len(t, final.Adjustments, 1)
	rec := final.Adjustments[0]
	assert.Equal(t, models.AdjustAddStep, rec.Type)
	assert.Equal(t, "step_3", rec.StepID)
	assert.Equal(t, "step_1", rec.SourceID)
	assert.True(t, rec.Applied)

	require.NotNil(t, final.Result)
	assert.Equal(t, 3, final.Result.Summary.Total)
}

type recordingChat struct {
	mu      sync.Mutex
	prompts []string
	content string
}

func (c *recordingChat) Chat(_ context.Context, messages []llm.Message, _ llm.Options) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		c.prompts = append(c.prompts, m.Content)
	}
	return &llm.Response{Content: c.content}, nil
}

func TestGateReviewsWithJobBoardContext(t *testing.T) {
	chat := &recordingChat{content: `{"quality_score": 9, "action": "continue", "reason": "fine"}`}
	gate := review.New(review.Options{Client: chat, Config: config.GateConfig{
		Enabled:           true,
		Threshold:         6.0,
		MaxRetryOnFailure: 1,
		Model:             "qwen3-max",
	}})
	o := newOrchestrator(t, Options{
		Planner: &stubPlanner{plan: planFixture()},
		Gate:    gate,
	})

	view, err := o.Submit(SubmitRequest{Content: "review the steps as they land"})
	require.NoError(t, err)

	final := waitTerminal(t, o, view.ID)
	assert.Equal(t, JobCompleted, final.Status)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	require.NotEmpty(t, chat.prompts)
	// Reviewing step_1 happens while step_2 still waits on it, so the
	// job's board shows up in the reviewer prompt.
	assert.Contains(t, chat.prompts[0], "## Remaining steps")
	assert.Contains(t, chat.prompts[0], "step_2")
}

func TestListNewestFirst(t *testing.T) {
	o := newOrchestrator(t, Options{Planner: &stubPlanner{plan: planFixture()}})

	first, err := o.Submit(SubmitRequest{Content: "first"})
	require.NoError(t, err)
	waitTerminal(t, o, first.ID)
	second, err := o.Submit(SubmitRequest{Content: "second"})
	require.NoError(t, err)
	waitTerminal(t, o, second.ID)

	views := o.List()
	require.Len(t, views, 2)
	assert.False(t, views[0].CreatedAt.Before(views[1].CreatedAt))
}

func TestShutdownCancelsJobs(t *testing.T) {
	factory := func(workerID string, role *config.Role) executor.Worker {
		return &stubWorker{id: workerID, role: role,
			execute: func(ctx context.Context, _ models.SubTask) (models.SubTaskResult, error) {
				<-ctx.Done()
				return models.SubTaskResult{}, ctx.Err()
			}}
	}
	o := newOrchestrator(t, Options{
		Planner:   &stubPlanner{plan: planFixture()},
		NewWorker: factory,
	})

	_, err := o.Submit(SubmitRequest{Content: "interrupted"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	for _, view := range o.List() {
		assert.True(t, view.Status.IsTerminal())
	}
}

func TestSubTasksFromPlan(t *testing.T) {
	roles := config.NewRoleRegistry(config.BuiltinRoles())
	plan := models.Plan{ExecutionFlow: models.ExecutionFlow{Steps: map[string]models.PlanStep{
		"step_1": {StepID: "step_1", StepNumber: 1, Name: "Dig", AgentType: "searcher"},
		"step_2": {StepID: "step_2", StepNumber: 2, Name: "Guess", AgentType: "astrologer",
			Description:  "Interpret the findings",
			Dependencies: []string{"step_1", "step_2", "nonexistent"}},
	}}}

	subtasks := SubTasksFromPlan("job-1", plan, roles, "researcher")
	require.Len(t, subtasks, 2)

	first := subtasks[0]
	assert.Equal(t, "step_1", first.ID)
	assert.Equal(t, "job-1", first.ParentTaskID)
	assert.Equal(t, "Dig", first.Content, "description falls back to name")
	assert.Equal(t, "searcher", first.Role)
	assert.Equal(t, 1, first.Priority)

	second := subtasks[1]
	assert.Equal(t, "researcher", second.Role, "unknown agent type falls back")
	assert.Equal(t, []string{"step_1"}, second.Dependencies, "self and unknown deps dropped")
}

func TestParseOutputTypeAndStrategy(t *testing.T) {
	ot, err := parseOutputType("")
	require.NoError(t, err)
	assert.Equal(t, aggregate.Report, ot)

	ot, err = parseOutputType("code")
	require.NoError(t, err)
	assert.Equal(t, aggregate.Code, ot)

	st, err := parseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, aggregate.FirstWins, st)

	st, err = parseStrategy("majority_vote")
	require.NoError(t, err)
	assert.Equal(t, aggregate.MajorityVote, st)
}

var _ events.Emitter = (*recordingEmitter)(nil)
