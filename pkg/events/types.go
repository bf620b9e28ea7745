// Package events delivers engine progress to clients in real time. Events
// flow WebSocket-first: the engine emits typed payloads through an Emitter,
// the store-backed publisher persists them and broadcasts via PostgreSQL
// NOTIFY, and every API pod's NotifyListener fans them out to its local
// WebSocket connections. NOTIFY payloads above the PostgreSQL limit are
// replaced by a routing envelope the client re-fetches over REST.
//
// Persistent events survive reconnects through the catchup protocol: each
// NOTIFY payload carries the db_event_id of its stored row, and a client
// that reconnects asks for everything after the last id it saw. Transient
// events (progress ticks, stream chunks) are NOTIFY-only and lost on
// disconnect; the terminal events carry the full state they summarize.
package events

// Persistent event types (stored, then NOTIFY).
const (
	EventTypeTaskCreated   = "task_created"
	EventTypeStepStatus    = "step_status_changed"
	EventTypeStepReviewed  = "step_reviewed"
	EventTypeAgentCreated  = "agent_created"
	EventTypeAgentUpdated  = "agent_updated"
	EventTypeAgentRemoved  = "agent_removed"
	EventTypeTaskCompleted = "task_completed"
	EventTypeTaskDeleted   = "task_deleted"
)

// Transient event types (NOTIFY only, never persisted).
const (
	// EventTypeTaskProgress is the periodic progress tick of a running job.
	EventTypeTaskProgress = "task_progress"

	// EventTypeAgentStream carries model output chunks as a worker produces
	// them. High frequency; lost on disconnect.
	EventTypeAgentStream = "agent_stream"
)

// GlobalTasksChannel carries job-level lifecycle events for every job. The
// job list view subscribes here instead of per-job channels.
const GlobalTasksChannel = "tasks"

// TaskChannel returns the per-job channel name, "task:{task_id}".
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// ClientMessage is a client-to-server WebSocket message.
type ClientMessage struct {
	Action      string `json:"action"` // subscribe, unsubscribe, catchup, ping
	Channel     string `json:"channel,omitempty"`
	LastEventID *int   `json:"last_event_id,omitempty"` // catchup resume point
}

// transientTypes are broadcast without persistence.
var transientTypes = map[string]bool{
	EventTypeTaskProgress: true,
	EventTypeAgentStream:  true,
}

// globalTypes are additionally broadcast on GlobalTasksChannel.
var globalTypes = map[string]bool{
	EventTypeTaskCreated:   true,
	EventTypeTaskCompleted: true,
	EventTypeTaskDeleted:   true,
}
