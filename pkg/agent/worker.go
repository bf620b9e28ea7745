// Package agent implements the worker: one agent executing one sub-task
// through a bounded tool-calling loop against the model provider, with
// capability routing, a strict lifecycle state machine, and a multimodal
// short-circuit for generator roles.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agenthive/hive/pkg/bus"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/tools"
)

// ChatClient is the slice of the provider client the chat loop needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// ErrStopped reports that execution ended because a stop was requested.
var ErrStopped = errors.New("execution stopped by request")

// StateChangeFunc observes worker lifecycle transitions.
type StateChangeFunc func(workerID string, from, to models.WorkerStatus)

// Options configures a worker.
type Options struct {
	ID       string
	Role     *config.Role
	Client   ChatClient
	Media    MediaClient // required for multimodal roles
	Registry *tools.Registry
	Bus      *bus.Bus // optional; inbox drained each iteration when set
	Engine   *config.EngineConfig
	Defaults *config.Defaults

	// Sink receives generated media bytes. Defaults to an in-memory sink.
	Sink ArtifactSink

	OnStateChange StateChangeFunc
	Logger        *slog.Logger
}

// Worker executes sub-tasks for one role. A worker is single-owner: the
// executor goroutine that spawned it is the only caller of Execute, and
// Stop may be called from any goroutine.
type Worker struct {
	id       string
	role     *config.Role
	client   ChatClient
	media    MediaClient
	registry *tools.Registry
	bus      *bus.Bus
	engine   *config.EngineConfig
	sink     ArtifactSink

	model       string
	temperature float64

	onStateChange StateChangeFunc
	logger        *slog.Logger

	mu            sync.Mutex
	status        models.WorkerStatus
	stopRequested bool
	toolCalls     []models.ToolCallRecord
	usage         models.TokenUsage
	currentTask   *models.SubTask
	createdAt     time.Time
	completedAt   time.Time
	lastResult    *models.SubTaskResult

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates an idle worker for the given role.
func NewWorker(opts Options) *Worker {
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
	sink := opts.Sink
	if sink == nil {
		sink = NewMemorySink()
	}

	model := opts.Role.Model
	if model == "" && opts.Role.Media != nil {
		model = opts.Role.Media.Model
	}
	if model == "" {
		model = defaults.Model
	}
	temperature := opts.Role.Temperature
	if temperature == 0 {
		temperature = defaults.Temperature
	}

	return &Worker{
		id:            opts.ID,
		role:          opts.Role,
		client:        opts.Client,
		media:         opts.Media,
		registry:      opts.Registry,
		bus:           opts.Bus,
		engine:        engine,
		sink:          sink,
		model:         model,
		temperature:   temperature,
		onStateChange: opts.OnStateChange,
		logger:        logger.With("worker_id", opts.ID, "role", opts.Role.Key),
		status:        models.WorkerIdle,
		createdAt:     time.Now(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Role returns the worker's role.
func (w *Worker) Role() *config.Role { return w.role }

// Status returns the current lifecycle state.
func (w *Worker) Status() models.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// CurrentTask returns the sub-task being executed, or nil when idle.
func (w *Worker) CurrentTask() *models.SubTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

// LastResult returns the result of the most recent execution, or nil.
func (w *Worker) LastResult() *models.SubTaskResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastResult
}

// TokenUsage returns the accumulated token counts of the current or most
// recent execution.
func (w *Worker) TokenUsage() models.TokenUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage
}

// ToolCalls returns a copy of the tool invocation records.
func (w *Worker) ToolCalls() []models.ToolCallRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.ToolCallRecord, len(w.toolCalls))
	copy(out, w.toolCalls)
	return out
}

// CompletedAt returns the time the worker reached a terminal state, or the
// zero time while it has not.
func (w *Worker) CompletedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completedAt
}

// setStatus performs a validated lifecycle transition.
func (w *Worker) setStatus(next models.WorkerStatus) error {
	w.mu.Lock()
	from := w.status
	if from == next {
		w.mu.Unlock()
		return nil
	}
	if !from.CanTransition(next) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, next)
	}
	w.status = next
	if next.IsTerminal() {
		w.completedAt = w.now()
	}
	w.mu.Unlock()

	if w.onStateChange != nil {
		w.onStateChange(w.id, from, next)
	}
	return nil
}

func (w *Worker) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopRequested
}

// Stop requests a graceful exit, waits up to the configured grace period
// for the execution loop to notice, and forces the worker to Terminated if
// it does not.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	w.stopRequested = true
	running := w.status == models.WorkerRunning
	w.mu.Unlock()

	if !running {
		w.mu.Lock()
		terminal := w.status.IsTerminal()
		w.mu.Unlock()
		if !terminal {
			_ = w.setStatus(models.WorkerTerminated)
		}
		return
	}

	deadline := w.now().Add(w.engine.StopGracePeriod)
	for w.now().Before(deadline) {
		if w.Status() != models.WorkerRunning {
			return
		}
		if err := w.sleep(ctx, 100*time.Millisecond); err != nil {
			break
		}
	}

	// Grace expired: force the terminal state.
	w.mu.Lock()
	if w.status == models.WorkerRunning {
		w.status = models.WorkerTerminated
		w.completedAt = w.now()
	}
	w.mu.Unlock()
}

// Execute runs the sub-task to completion and returns its result. The
// returned error is non-nil only for lifecycle misuse (executing a
// non-idle worker); task-level failures are reported in the result.
func (w *Worker) Execute(ctx context.Context, task models.SubTask) (models.SubTaskResult, error) {
	w.mu.Lock()
	w.currentTask = &task
	w.stopRequested = false
	w.toolCalls = nil
	w.usage = models.TokenUsage{}
	w.mu.Unlock()

	if err := w.setStatus(models.WorkerRunning); err != nil {
		return models.SubTaskResult{}, err
	}

	start := w.now()
	w.logger.Info("Worker execution started", "task_id", task.ID)

	var output string
	var execErr error

	if w.role.Multimodal {
		output, execErr = w.executeMedia(ctx, task)
	} else {
		output, execErr = w.executeChat(ctx, task)
	}

	elapsed := w.now().Sub(start)

	switch {
	case w.stopped():
		_ = w.setStatus(models.WorkerTerminated)
		if execErr == nil {
			execErr = ErrStopped
		}
	case execErr == nil:
		_ = w.setStatus(models.WorkerCompleted)
	default:
		_ = w.setStatus(models.WorkerFailed)
	}

	w.mu.Lock()
	result := models.SubTaskResult{
		SubTaskID:     task.ID,
		WorkerID:      w.id,
		Role:          w.role.Key,
		Success:       execErr == nil,
		Output:        output,
		ToolCalls:     append([]models.ToolCallRecord(nil), w.toolCalls...),
		ExecutionTime: elapsed,
		TokenUsage:    w.usage,
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	w.lastResult = &result
	w.currentTask = nil
	w.mu.Unlock()

	w.logger.Info("Worker execution finished",
		"task_id", task.ID,
		"success", result.Success,
		"duration", elapsed,
		"tool_calls", len(result.ToolCalls))
	return result, nil
}

// executeChat runs the tool-calling conversation loop, retrying the whole
// conversation when an attempt fails outright.
func (w *Worker) executeChat(ctx context.Context, task models.SubTask) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= w.engine.MaxTaskRetries; attempt++ {
		if w.stopped() {
			return "", ErrStopped
		}
		if attempt > 0 {
			w.logger.Info("Retrying task", "task_id", task.ID, "attempt", attempt, "last_error", lastErr)
			if err := w.sleep(ctx, time.Second); err != nil {
				return "", err
			}
		}

		output, err := w.runConversation(ctx, task, attempt, lastErr)
		if err == nil {
			return output, nil
		}
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (w *Worker) runConversation(ctx context.Context, task models.SubTask, attempt int, priorErr error) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(w.role, w.model, task, w.registry, w.now())},
		{Role: llm.RoleUser, Content: "Begin the task: " + task.Content},
	}
	if attempt > 0 && priorErr != nil {
		messages = append(messages, llm.Message{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("[Retry %d/%d] The previous attempt failed: %v. Try a different approach.",
				attempt, w.engine.MaxTaskRetries, priorErr),
		})
	}

	opts := requestOptions(w.role, w.model, w.temperature)
	opts.Tools = functionTools(w.role, w.model, w.registry)
	allowed := callableTools(w.role, w.model, w.registry)

	w.logger.Debug("Conversation configured",
		"task_id", task.ID,
		"function_tools", len(opts.Tools),
		"enable_search", opts.EnableSearch,
		"enable_code_interpreter", opts.EnableCodeInterpreter)

	consecutiveErrors := 0
	for iteration := 1; iteration <= w.engine.MaxIterations; iteration++ {
		if w.stopped() {
			return "", ErrStopped
		}
		if stop := w.drainInbox(&messages); stop {
			w.mu.Lock()
			w.stopRequested = true
			w.mu.Unlock()
			return "", ErrStopped
		}

		resp, err := w.client.Chat(ctx, messages, opts)
		if err != nil {
			return "", fmt.Errorf("chat call failed: %w", err)
		}

		w.mu.Lock()
		w.usage.Add(models.TokenUsage(resp.Usage))
		w.mu.Unlock()

		calls := resp.ToolCalls
		if len(calls) == 0 && len(opts.Tools) > 0 {
			if parsed := parseTextToolCalls(resp.Content); len(parsed) > 0 {
				calls = parsed
				w.logger.Debug("Parsed tool calls from text output", "count", len(calls))
			}
		}

		if len(calls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   "",
			ToolCalls: calls,
		})

		errored := 0
		for _, call := range calls {
			body := w.invokeToolCall(ctx, call, allowed)
			if strings.HasPrefix(body, "Error:") {
				errored++
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    body,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		if errored == len(calls) {
			consecutiveErrors++
			if consecutiveErrors >= w.engine.ConsecutiveToolErrorLimit {
				w.logger.Warn("Too many consecutive tool failures, dropping toolset", "task_id", task.ID)
				opts.Tools = nil
				messages = append(messages, llm.Message{
					Role:    llm.RoleUser,
					Content: "Tool calls keep failing. Stop calling tools and answer from the information you already have.",
				})
			}
		} else {
			consecutiveErrors = 0
		}
	}

	return "", fmt.Errorf("max iterations (%d) reached without completion", w.engine.MaxIterations)
}

// invokeToolCall runs one model-requested tool call and returns the body
// of the tool message to append. Failures never abort the loop; they are
// surfaced to the model as Error: bodies.
func (w *Worker) invokeToolCall(ctx context.Context, call llm.ToolCall, allowed map[string]bool) string {
	if !allowed[call.Name] {
		return fmt.Sprintf("Error: tool %q is not available for role %q", call.Name, w.role.Key)
	}
	if !w.registry.Has(call.Name) {
		return fmt.Sprintf("Error: tool %q is not registered; answer from knowledge instead", call.Name)
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: invalid tool arguments: %v", err)
		}
	}

	record, err := w.registry.Invoke(ctx, call.Name, args, w.id)
	w.mu.Lock()
	w.toolCalls = append(w.toolCalls, record)
	w.mu.Unlock()

	if err != nil {
		return fmt.Sprintf("Error: tool call failed: %v", err)
	}
	if !record.Success {
		return fmt.Sprintf("Error: tool call failed: %s", record.Error)
	}
	return record.Result
}

// drainInbox applies pending bus messages. Shutdown requests stop the
// worker; other messages are injected into the conversation as context.
func (w *Worker) drainInbox(messages *[]llm.Message) (stop bool) {
	if w.bus == nil {
		return false
	}
	for _, msg := range w.bus.Receive(w.id) {
		if msg.Type == bus.MessageShutdown {
			w.logger.Info("Shutdown message received", "sender_id", msg.SenderID)
			return true
		}
		*messages = append(*messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("[Message from %s]: %s", msg.SenderID, msg.Content),
		})
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
