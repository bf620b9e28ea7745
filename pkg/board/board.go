// Package board implements the shared task board: a concurrency-safe map
// of sub-task entries with dependency tracking, claim semantics, and
// timeout reclamation. The board exclusively owns its entries; callers
// always receive copies.
package board

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthive/hive/pkg/models"
)

// Sentinel errors for board operations.
var (
	// ErrDuplicateTask indicates a publish with an id already on the board.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrDependencyCycle indicates a publish whose dependency graph is cyclic.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrTaskNotFound indicates an operation on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidStatus indicates a transition the state machine forbids.
	ErrInvalidStatus = errors.New("invalid status transition")
)

// Board is the shared task board. All operations serialize on one mutex;
// none of them performs I/O under the lock.
type Board struct {
	mu         sync.Mutex
	entries    map[string]*models.TaskEntry
	deps       map[string]map[string]bool // task id -> ids it depends on
	dependents map[string]map[string]bool // task id -> ids depending on it
	publishSeq int

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty board.
func New() *Board {
	return &Board{
		entries:    make(map[string]*models.TaskEntry),
		deps:       make(map[string]map[string]bool),
		dependents: make(map[string]map[string]bool),
		now:        time.Now,
	}
}

// Publish adds a batch of sub-tasks. Duplicate ids (within the batch or
// against the board) and cyclic dependency graphs are rejected before any
// entry is added, so a failed publish leaves the board untouched.
// Entries start Waiting when they have unmet dependencies, Pending
// otherwise.
func (b *Board) Publish(tasks []models.SubTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("publishing tasks: empty task id")
		}
		if seen[task.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		if _, exists := b.entries[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		seen[task.ID] = true
	}

	if cycle := b.wouldCycle(tasks); cycle {
		return ErrDependencyCycle
	}

	for _, task := range tasks {
		depSet := make(map[string]bool, len(task.Dependencies))
		for _, dep := range task.Dependencies {
			depSet[dep] = true
			if b.dependents[dep] == nil {
				b.dependents[dep] = make(map[string]bool)
			}
			b.dependents[dep][task.ID] = true
		}
		b.deps[task.ID] = depSet
	}

	for _, task := range tasks {
		status := models.TaskPending
		if b.hasUnmetDeps(task.ID) {
			status = models.TaskWaiting
		}
		b.publishSeq++
		b.entries[task.ID] = &models.TaskEntry{
			Task:       task,
			Status:     status,
			PublishSeq: b.publishSeq,
		}
	}
	return nil
}

// wouldCycle runs Kahn's algorithm over the union of the existing graph
// and the incoming batch. Caller holds the lock.
func (b *Board) wouldCycle(tasks []models.SubTask) bool {
	nodes := make(map[string]bool)
	edges := make(map[string][]string) // dep -> dependents
	inDegree := make(map[string]int)

	addEdge := func(from, to string) {
		edges[from] = append(edges[from], to)
		inDegree[to]++
	}
	for id, deps := range b.deps {
		nodes[id] = true
		for dep := range deps {
			nodes[dep] = true
			addEdge(dep, id)
		}
	}
	for _, task := range tasks {
		nodes[task.ID] = true
		for _, dep := range task.Dependencies {
			nodes[dep] = true
			addEdge(dep, task.ID)
		}
	}

	queue := make([]string, 0, len(nodes))
	for node := range nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited < len(nodes)
}

// hasUnmetDeps reports whether any dependency of id is not Completed.
// Dependencies not on the board count as unmet. Caller holds the lock.
func (b *Board) hasUnmetDeps(id string) bool {
	for dep := range b.deps[id] {
		entry, ok := b.entries[dep]
		if !ok || entry.Status != models.TaskCompleted {
			return true
		}
	}
	return false
}

// Ready returns copies of all Pending entries, highest priority first,
// publish order breaking ties.
func (b *Board) Ready() []models.TaskEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []models.TaskEntry
	for _, entry := range b.entries {
		if entry.Status == models.TaskPending {
			ready = append(ready, *entry)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Task.Priority != ready[j].Task.Priority {
			return ready[i].Task.Priority > ready[j].Task.Priority
		}
		return ready[i].PublishSeq < ready[j].PublishSeq
	})
	return ready
}

// Claim atomically moves a Pending entry to Claimed for workerID.
// Returns false for unknown ids and entries in any other status.
func (b *Board) Claim(id, workerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok || entry.Status != models.TaskPending {
		return false
	}
	entry.Status = models.TaskClaimed
	entry.ClaimedBy = workerID
	entry.ClaimedAt = b.now()
	return true
}

// MarkRunning moves a Claimed entry to Running.
func (b *Board) MarkRunning(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.Status != models.TaskClaimed {
		return fmt.Errorf("%w: %s is %s, not claimed", ErrInvalidStatus, id, entry.Status)
	}
	entry.Status = models.TaskRunning
	entry.StartedAt = b.now()
	return nil
}

// MarkCompleted moves a Claimed or Running entry to Completed, stores the
// result, and promotes dependents whose dependencies are now all met.
// Returns the ids promoted Waiting -> Pending.
func (b *Board) MarkCompleted(id string, result *models.SubTaskResult) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.Status != models.TaskClaimed && entry.Status != models.TaskRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, entry.Status)
	}
	entry.Status = models.TaskCompleted
	entry.CompletedAt = b.now()
	entry.Result = result

	var unlocked []string
	for dependent := range b.dependents[id] {
		depEntry, ok := b.entries[dependent]
		if !ok || depEntry.Status != models.TaskWaiting {
			continue
		}
		if !b.hasUnmetDeps(dependent) {
			depEntry.Status = models.TaskPending
			unlocked = append(unlocked, dependent)
		}
	}
	sort.Strings(unlocked)
	return unlocked, nil
}

// MarkFailed moves a Claimed or Running entry to Failed with the error.
func (b *Board) MarkFailed(id, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.Status != models.TaskClaimed && entry.Status != models.TaskRunning {
		return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, entry.Status)
	}
	entry.Status = models.TaskFailed
	entry.CompletedAt = b.now()
	entry.Error = errMsg
	return nil
}

// PropagateFailure walks the dependent graph breadth-first from id and
// moves every non-terminal descendant to Blocked. Returns the blocked ids
// in traversal order.
func (b *Board) PropagateFailure(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var blocked []string
	queue := []string{id}
	visited := map[string]bool{id: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		dependents := make([]string, 0, len(b.dependents[current]))
		for dep := range b.dependents[current] {
			dependents = append(dependents, dep)
		}
		sort.Strings(dependents)

		for _, dependent := range dependents {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			entry, ok := b.entries[dependent]
			if ok && !entry.Status.IsTerminal() {
				entry.Status = models.TaskBlocked
				entry.CompletedAt = b.now()
				entry.Error = fmt.Sprintf("blocked: upstream task %s failed", id)
				blocked = append(blocked, dependent)
			}
			queue = append(queue, dependent)
		}
	}
	return blocked
}

// ReclaimExpired returns to Pending every Claimed entry that has not
// started and whose claim is older than timeout. Returns the reclaimed ids.
func (b *Board) ReclaimExpired(timeout time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reclaimed []string
	now := b.now()
	for id, entry := range b.entries {
		if entry.Status != models.TaskClaimed || !entry.StartedAt.IsZero() {
			continue
		}
		if now.Sub(entry.ClaimedAt) > timeout {
			entry.Status = models.TaskPending
			entry.ClaimedBy = ""
			entry.ClaimedAt = time.Time{}
			reclaimed = append(reclaimed, id)
		}
	}
	sort.Strings(reclaimed)
	return reclaimed
}

// Get returns a copy of the entry for id.
func (b *Board) Get(id string) (models.TaskEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return models.TaskEntry{}, false
	}
	return *entry, true
}

// Status counts entries by status.
func (b *Board) Status() models.BoardStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := models.BoardStatus{Total: len(b.entries)}
	for _, entry := range b.entries {
		switch entry.Status {
		case models.TaskPending:
			status.Pending++
		case models.TaskWaiting:
			status.Waiting++
		case models.TaskClaimed:
			status.Claimed++
		case models.TaskRunning:
			status.Running++
		case models.TaskCompleted:
			status.Completed++
		case models.TaskFailed:
			status.Failed++
		case models.TaskBlocked:
			status.Blocked++
		}
	}
	return status
}

// Snapshot returns copies of all entries in publish order.
func (b *Board) Snapshot() []models.TaskEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]models.TaskEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		snapshot = append(snapshot, *entry)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].PublishSeq < snapshot[j].PublishSeq
	})
	return snapshot
}

// StuckPending returns the non-terminal, non-active entries when nothing
// is claimed, running, or ready. The executor uses this as a safety net
// against graphs that defeat the publish-time cycle check. Entries come
// back highest priority first, publish order breaking ties.
func (b *Board) StuckPending() []models.TaskEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stuck []models.TaskEntry
	for _, entry := range b.entries {
		switch entry.Status {
		case models.TaskPending, models.TaskClaimed, models.TaskRunning:
			return nil
		case models.TaskWaiting:
			stuck = append(stuck, *entry)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		if stuck[i].Task.Priority != stuck[j].Task.Priority {
			return stuck[i].Task.Priority > stuck[j].Task.Priority
		}
		return stuck[i].PublishSeq < stuck[j].PublishSeq
	})
	return stuck
}

// ForceReady promotes a Waiting entry to Pending regardless of its
// dependencies. Reserved for the executor's stuck-graph safety net.
func (b *Board) ForceReady(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.Status != models.TaskWaiting {
		return fmt.Errorf("%w: %s is %s, not waiting", ErrInvalidStatus, id, entry.Status)
	}
	entry.Status = models.TaskPending
	return nil
}

// --- adjustment support ---

// UpdateTask rewrites the content, expected output, and priority of an
// entry that has not started executing. Used when a review adjustment
// modifies a step.
func (b *Board) UpdateTask(id, content, expectedOutput string, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch entry.Status {
	case models.TaskPending, models.TaskWaiting, models.TaskClaimed:
	default:
		return fmt.Errorf("%w: cannot modify %s task %s", ErrInvalidStatus, entry.Status, id)
	}
	if content != "" {
		entry.Task.Content = content
	}
	if expectedOutput != "" {
		entry.Task.ExpectedOutput = expectedOutput
	}
	if priority != 0 {
		entry.Task.Priority = priority
	}
	return nil
}

// Remove deletes an entry that has not started executing, detaching it
// from the dependency graph. Dependents that only waited on it become
// Pending. Used when a review adjustment removes a step.
func (b *Board) Remove(id string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch entry.Status {
	case models.TaskPending, models.TaskWaiting:
	default:
		return nil, fmt.Errorf("%w: cannot remove %s task %s", ErrInvalidStatus, entry.Status, id)
	}

	for dep := range b.deps[id] {
		delete(b.dependents[dep], id)
	}
	dependents := b.dependents[id]
	delete(b.entries, id)
	delete(b.deps, id)
	delete(b.dependents, id)

	var unlocked []string
	for dependent := range dependents {
		delete(b.deps[dependent], id)
		depEntry, ok := b.entries[dependent]
		if !ok || depEntry.Status != models.TaskWaiting {
			continue
		}
		if !b.hasUnmetDeps(dependent) {
			depEntry.Status = models.TaskPending
			unlocked = append(unlocked, dependent)
		}
	}
	sort.Strings(unlocked)
	return unlocked, nil
}
