package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/executor"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/orchestrate"
)

// stubPlanner returns a fixed two-step plan.
type stubPlanner struct {
	err error
}

func (p *stubPlanner) Plan(context.Context, string) (models.Plan, error) {
	if p.err != nil {
		return models.Plan{}, p.err
	}
	return models.Plan{
		RefinedTask: "refined",
		ExecutionFlow: models.ExecutionFlow{
			Steps: map[string]models.PlanStep{
				"step_1": {StepID: "step_1", StepNumber: 1, Name: "Search", Description: "Find sources", AgentType: "searcher"},
				"step_2": {StepID: "step_2", StepNumber: 2, Name: "Write", Description: "Write it up", AgentType: "writer", Dependencies: []string{"step_1"}},
			},
		},
	}, nil
}

// stubWorker completes immediately, or blocks until cancellation when
// blocking is set.
type stubWorker struct {
	id       string
	blocking bool
	started  func()
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) Execute(ctx context.Context, task models.SubTask) (models.SubTaskResult, error) {
	if w.started != nil {
		w.started()
	}
	if w.blocking {
		<-ctx.Done()
		return models.SubTaskResult{SubTaskID: task.ID, WorkerID: w.id}, ctx.Err()
	}
	return models.SubTaskResult{
		SubTaskID: task.ID,
		WorkerID:  w.id,
		Role:      task.Role,
		Success:   true,
		Output:    "done: " + task.ID,
	}, nil
}

func (w *stubWorker) Stop(context.Context) {}

type serverFixture struct {
	server  *Server
	router  http.Handler
	orch    *orchestrate.Orchestrator
	started chan struct{}
}

type fixtureOptions struct {
	blockingWorkers bool
	serverOpts      func(*Options)
}

func newServerFixture(t *testing.T, fixOpts fixtureOptions) *serverFixture {
	t.Helper()

	engine := config.DefaultEngineConfig()
	engine.WorkerTimeout = 5 * time.Second
	engine.ReclaimInterval = 50 * time.Millisecond
	engine.Gate.Enabled = false

	started := make(chan struct{})
	var startOnce sync.Once

	orch := orchestrate.New(orchestrate.Options{
		Planner: &stubPlanner{},
		NewWorker: func(workerID string, _ *config.Role) executor.Worker {
			return &stubWorker{
				id:       workerID,
				blocking: fixOpts.blockingWorkers,
				started:  func() { startOnce.Do(func() { close(started) }) },
			}
		},
		Roles:  config.NewRoleRegistry(config.BuiltinRoles()),
		Engine: engine,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	opts := Options{
		Orchestrator: orch,
		Roles:        config.NewRoleRegistry(config.BuiltinRoles()),
	}
	if fixOpts.serverOpts != nil {
		fixOpts.serverOpts(&opts)
	}
	server := NewServer(opts)

	return &serverFixture{
		server:  server,
		router:  server.Router(),
		orch:    orch,
		started: started,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) waitTerminal(t *testing.T, jobID string) orchestrate.JobView {
	t.Helper()

	var view orchestrate.JobView
	require.Eventually(t, func() bool {
		var err error
		view, err = f.orch.Get(jobID)
		return err == nil && view.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return view
}
