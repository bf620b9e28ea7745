package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// notifyLimit is the usable size of a NOTIFY payload. PostgreSQL caps
// payloads at 8000 bytes; the margin leaves room for the injected
// db_event_id.
const notifyLimit = 7900

// Publisher is the store-backed Emitter. Persistent events are inserted
// into the events table and broadcast via pg_notify in one transaction, so
// the NOTIFY fires exactly when the row becomes visible. Transient events
// skip the insert.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the given database handle.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Emit persists and broadcasts one event. Global lifecycle events are
// additionally broadcast, transiently, on GlobalTasksChannel.
func (p *Publisher) Emit(ctx context.Context, taskID string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	eventType, err := payloadType(payloadJSON)
	if err != nil {
		return err
	}

	channel := TaskChannel(taskID)
	if transientTypes[eventType] {
		err = p.notifyOnly(ctx, channel, payloadJSON)
	} else {
		err = p.persistAndNotify(ctx, taskID, channel, payloadJSON)
	}
	if err != nil {
		return err
	}

	if globalTypes[eventType] {
		return p.notifyOnly(ctx, GlobalTasksChannel, payloadJSON)
	}
	return nil
}

// persistAndNotify inserts the event and broadcasts it in one transaction.
// pg_notify is transactional; the notification is held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, taskID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (task_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		taskID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persisting event: %w", err)
	}

	notifyPayload, err := injectDBEventID(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

func payloadType(payloadJSON []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payloadJSON, &head); err != nil {
		return "", fmt.Errorf("reading event type: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("event payload has no type field")
	}
	return head.Type, nil
}

// injectDBEventID adds the stored row id to the NOTIFY copy of the payload
// so clients can track their catchup position, then applies the size cap.
func injectDBEventID(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshaling payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded replaces payloads over the NOTIFY limit with a minimal
// routing envelope; the client re-fetches the full event from the API.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		TaskID    string `json:"task_id"`
		StepID    string `json:"step_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("extracting routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"task_id":   routing.TaskID,
		"truncated": true,
	}
	if routing.StepID != "" {
		truncated["step_id"] = routing.StepID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshaling truncated payload: %w", err)
	}
	return string(out), nil
}
