// Package executor dispatches board tasks to workers in event-driven waves:
// ready tasks are claimed and spawned up to a concurrency cap, any single
// completion wakes the dispatcher, and failures propagate to descendants.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/agenthive/hive/pkg/board"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/models"
)

// Worker is the slice of the agent the executor drives.
type Worker interface {
	ID() string
	Execute(ctx context.Context, task models.SubTask) (models.SubTaskResult, error)
	Stop(ctx context.Context)
}

// WorkerFactory builds a worker for one claimed task.
type WorkerFactory func(workerID string, role *config.Role) Worker

// Reviewer is the quality gate consulted after each successful step.
// attempt counts reviews of the same step, starting at 1; the reviewer
// decides between accept, retry, and accept-with-warning.
type Reviewer interface {
	Review(ctx context.Context, task models.SubTask, result models.SubTaskResult, attempt int) (models.ReviewResult, error)
}

// Hooks observe dispatch progress. All callbacks run on the dispatcher
// goroutine and must not block.
type Hooks struct {
	OnSpawn  func(task models.SubTask, workerID string, wave int)
	OnFinish func(task models.SubTask, result models.SubTaskResult)
	OnReview func(task models.SubTask, review models.ReviewResult)
}

// WaveStats records one spawn round.
type WaveStats struct {
	Wave           int           `json:"wave"`
	Tasks          int           `json:"tasks"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	MaxParallelism int           `json:"max_parallelism"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// ExecutionReport is the terminal outcome of one Run.
type ExecutionReport struct {
	TotalWaves         int                             `json:"total_waves"`
	TotalTasks         int                             `json:"total_tasks"`
	Completed          int                             `json:"completed"`
	Failed             int                             `json:"failed"`
	Blocked            int                             `json:"blocked"`
	WaveStats          []WaveStats                     `json:"wave_stats"`
	TotalExecutionTime time.Duration                   `json:"total_execution_time"`
	Results            map[string]models.SubTaskResult `json:"results"`
	Reviews            []models.ReviewResult           `json:"reviews,omitempty"`
}

// Options configures an Executor.
type Options struct {
	Board     *board.Board
	Roles     *config.RoleRegistry
	Engine    *config.EngineConfig
	Defaults  *config.Defaults
	NewWorker WorkerFactory
	Gate      Reviewer // nil disables the quality gate
	Hooks     Hooks
	Logger    *slog.Logger
}

// Executor runs all published board tasks to a terminal state.
type Executor struct {
	board     *board.Board
	roles     *config.RoleRegistry
	engine    *config.EngineConfig
	defaults  *config.Defaults
	newWorker WorkerFactory
	gate      Reviewer
	hooks     Hooks
	logger    *slog.Logger

	mu   sync.Mutex
	live map[string]Worker // task id -> worker
}

// New creates an executor over a populated board.
func New(opts Options) *Executor {
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
	return &Executor{
		board:     opts.Board,
		roles:     opts.Roles,
		engine:    engine,
		defaults:  defaults,
		newWorker: opts.NewWorker,
		gate:      opts.Gate,
		hooks:     opts.Hooks,
		logger:    logger.With("component", "executor"),
		live:      make(map[string]Worker),
	}
}

// outcome is one finished worker execution.
type outcome struct {
	taskID string
	task   models.SubTask
	result models.SubTaskResult
	wave   int
}

// Run dispatches until every board entry is terminal or the context is
// cancelled. It always returns a report covering the work done so far.
func (e *Executor) Run(ctx context.Context) (*ExecutionReport, error) {
	start := time.Now()
	total := e.board.Status().Total
	sem := semaphore.NewWeighted(int64(e.engine.MaxConcurrentWorkers))
	resultCh := make(chan outcome, total+e.engine.MaxConcurrentWorkers)

	results := make(map[string]models.SubTaskResult, total)
	var reviews []models.ReviewResult
	var waves []WaveStats
	attempts := make(map[string]int) // task id -> gate attempts
	inFlight := 0

	reclaim := time.NewTicker(e.engine.ReclaimInterval)
	defer reclaim.Stop()

	finish := func(err error) (*ExecutionReport, error) {
		status := e.board.Status()
		report := &ExecutionReport{
			TotalWaves:         len(waves),
			TotalTasks:         status.Total,
			Completed:          status.Completed,
			Failed:             status.Failed,
			Blocked:            status.Blocked,
			WaveStats:          waves,
			TotalExecutionTime: time.Since(start),
			Results:            results,
			Reviews:            reviews,
		}
		for i := range report.WaveStats {
			if report.WaveStats[i].Duration == 0 {
				report.WaveStats[i].Duration = time.Since(report.WaveStats[i].StartedAt)
			}
		}
		return report, err
	}

	for {
		if ctx.Err() != nil {
			e.cancelAndDrain(ctx, resultCh, &inFlight, results, waves)
			return finish(ctx.Err())
		}
		if e.board.Status().Terminal() {
			return finish(nil)
		}

		spawned := e.spawnReady(ctx, sem, resultCh, &inFlight, &waves)

		if inFlight == 0 {
			if spawned == 0 {
				if !e.rescueStuck() {
					return finish(fmt.Errorf("no runnable tasks remain with %d entries non-terminal",
						e.board.Status().Total-e.board.Status().Completed-e.board.Status().Failed-e.board.Status().Blocked))
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			continue
		case <-reclaim.C:
			if released := e.board.ReclaimExpired(e.engine.ClaimTimeout); len(released) > 0 {
				e.logger.Warn("Reclaimed expired claims", "task_ids", released)
			}
		case out := <-resultCh:
			inFlight--
			e.forget(out.taskID)
			if e.settle(ctx, out, results, &reviews, attempts, sem, resultCh, &inFlight) {
				continue // gate re-dispatched the task; nothing settled yet
			}
			if out.wave < len(waves) {
				e.settleWave(&waves[out.wave], out.result)
			}
		}
	}
}

// spawnReady claims and spawns as many ready tasks as free slots allow.
// Each non-empty spawn round is a new wave.
func (e *Executor) spawnReady(ctx context.Context, sem *semaphore.Weighted, resultCh chan<- outcome, inFlight *int, waves *[]WaveStats) int {
	ready := e.board.Ready()
	if len(ready) == 0 {
		return 0
	}

	wave := len(*waves)
	spawned := 0
	for _, entry := range ready {
		if !sem.TryAcquire(1) {
			break // cap reached; the rest stay pending for the next round
		}
		workerID := "worker-" + uuid.NewString()[:8]
		if !e.board.Claim(entry.Task.ID, workerID) {
			sem.Release(1)
			continue
		}
		if spawned == 0 {
			*waves = append(*waves, WaveStats{Wave: wave + 1, StartedAt: time.Now()})
		}
		e.spawnWorker(ctx, entry.Task, workerID, wave, sem, resultCh)
		(*waves)[wave].Tasks++
		*inFlight++
		if *inFlight > (*waves)[wave].MaxParallelism {
			(*waves)[wave].MaxParallelism = *inFlight
		}
		spawned++
	}
	return spawned
}

// spawnWorker resolves the role and runs the worker on its own goroutine.
func (e *Executor) spawnWorker(ctx context.Context, task models.SubTask, workerID string, wave int, sem *semaphore.Weighted, resultCh chan<- outcome) {
	role, known := e.roles.Resolve(task.Role, e.defaults.FallbackRole)
	if !known {
		e.logger.Warn("Unknown role, using fallback",
			"task_id", task.ID, "role", task.Role, "fallback", e.defaults.FallbackRole)
	}

	worker := e.newWorker(workerID, role)
	e.mu.Lock()
	e.live[task.ID] = worker
	e.mu.Unlock()

	if e.hooks.OnSpawn != nil {
		e.hooks.OnSpawn(task, workerID, wave+1)
	}
	e.logger.Info("Task dispatched",
		"task_id", task.ID, "worker_id", workerID, "role", role.Key, "wave", wave+1)

	go func() {
		defer sem.Release(1)
		workerCtx, cancel := context.WithTimeout(ctx, e.engine.WorkerTimeout)
		defer cancel()

		_ = e.board.MarkRunning(task.ID)
		result, err := worker.Execute(workerCtx, task)
		if err != nil {
			result = models.SubTaskResult{
				SubTaskID: task.ID,
				WorkerID:  workerID,
				Role:      role.Key,
				Success:   false,
				Error:     err.Error(),
			}
		}
		resultCh <- outcome{taskID: task.ID, task: task, result: result, wave: wave}
	}()
}

// settle applies one outcome to the board: gate review, completion with
// dependent unlock, or failure with descendant blocking. Returns true when
// the gate re-dispatched the task instead of settling it.
func (e *Executor) settle(ctx context.Context, out outcome, results map[string]models.SubTaskResult, reviews *[]models.ReviewResult, attempts map[string]int, sem *semaphore.Weighted, resultCh chan<- outcome, inFlight *int) bool {
	id := out.taskID

	if out.result.Success && e.gate != nil {
		attempts[id]++
		review, err := e.gate.Review(ctx, out.task, out.result, attempts[id])
		if err != nil {
			// The gate fails open; a reviewer transport error must never
			// block the job.
			e.logger.Warn("Gate review errored, accepting result", "task_id", id, "error", err)
			review = models.ReviewResult{StepID: id, Score: 7.0, Action: models.ReviewAccept,
				Reason: "review unavailable: " + err.Error(), Attempt: attempts[id]}
		}
		*reviews = append(*reviews, review)
		if e.hooks.OnReview != nil {
			e.hooks.OnReview(out.task, review)
		}

		if review.Action == models.ReviewRetry {
			e.logger.Info("Gate requested re-run",
				"task_id", id, "score", review.Score, "attempt", attempts[id])
			if err := sem.Acquire(ctx, 1); err == nil {
				e.respawn(ctx, out.task, out.wave, sem, resultCh)
				*inFlight++
				return true
			}
		}
	}

	results[id] = out.result
	if e.hooks.OnFinish != nil {
		e.hooks.OnFinish(out.task, out.result)
	}

	if out.result.Success {
		result := out.result
		unlocked, err := e.board.MarkCompleted(id, &result)
		if err != nil {
			e.logger.Error("Completion rejected", "task_id", id, "error", err)
			return false
		}
		if len(unlocked) > 0 {
			e.logger.Info("Dependencies satisfied", "task_id", id, "unlocked", unlocked)
		}
		return false
	}

	if err := e.board.MarkFailed(id, out.result.Error); err != nil {
		e.logger.Error("Failure rejected", "task_id", id, "error", err)
		return false
	}
	blocked := e.board.PropagateFailure(id)
	if len(blocked) > 0 {
		e.logger.Warn("Descendants blocked by failure", "task_id", id, "blocked", blocked)
	}
	return false
}

// respawn re-runs a task the gate rejected. The board entry stays Running;
// only the worker is replaced.
func (e *Executor) respawn(ctx context.Context, task models.SubTask, wave int, sem *semaphore.Weighted, resultCh chan<- outcome) {
	workerID := "worker-" + uuid.NewString()[:8]
	role, _ := e.roles.Resolve(task.Role, e.defaults.FallbackRole)
	worker := e.newWorker(workerID, role)

	e.mu.Lock()
	e.live[task.ID] = worker
	e.mu.Unlock()

	if e.hooks.OnSpawn != nil {
		e.hooks.OnSpawn(task, workerID, wave+1)
	}

	go func() {
		defer sem.Release(1)
		workerCtx, cancel := context.WithTimeout(ctx, e.engine.WorkerTimeout)
		defer cancel()

		result, err := worker.Execute(workerCtx, task)
		if err != nil {
			result = models.SubTaskResult{SubTaskID: task.ID, WorkerID: workerID, Role: role.Key, Error: err.Error()}
		}
		resultCh <- outcome{taskID: task.ID, task: task, result: result, wave: wave}
	}()
}

func (e *Executor) settleWave(w *WaveStats, result models.SubTaskResult) {
	if result.Success {
		w.Completed++
	} else {
		w.Failed++
	}
	if w.Completed+w.Failed == w.Tasks {
		w.Duration = time.Since(w.StartedAt)
	}
}

// rescueStuck force-dispatches the highest-priority waiting entry when the
// graph has deadlocked despite the publish-time cycle check. Returns false
// when there is nothing to rescue.
func (e *Executor) rescueStuck() bool {
	stuck := e.board.StuckPending()
	if len(stuck) == 0 {
		return false
	}
	id := stuck[0].Task.ID
	if err := e.board.ForceReady(id); err != nil {
		e.logger.Error("Force-ready failed", "task_id", id, "error", err)
		return false
	}
	e.logger.Warn("Force-dispatching stuck task", "task_id", id)
	return true
}

func (e *Executor) forget(taskID string) {
	e.mu.Lock()
	delete(e.live, taskID)
	e.mu.Unlock()
}

// cancelAndDrain stops live workers and waits for their outcomes so no
// goroutine outlives Run.
func (e *Executor) cancelAndDrain(ctx context.Context, resultCh <-chan outcome, inFlight *int, results map[string]models.SubTaskResult, waves []WaveStats) {
	e.mu.Lock()
	workers := make([]Worker, 0, len(e.live))
	for _, w := range e.live {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	stopCtx := context.Background()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			w.Stop(stopCtx)
		}(w)
	}
	wg.Wait()

	for *inFlight > 0 {
		out := <-resultCh
		*inFlight--
		e.forget(out.taskID)
		results[out.taskID] = out.result
		if out.wave < len(waves) {
			e.settleWave(&waves[out.wave], out.result)
		}
	}
	e.logger.Info("Execution cancelled", "reason", ctx.Err())
}
