package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agenthive/hive/pkg/events"
)

var _ events.CatchupQuerier = (*Client)(nil)

// EventsSince returns stored events on a channel with id greater than
// sinceID, oldest first, capped at limit. Implements the WebSocket manager's
// catchup query.
func (c *Client) EventsSince(ctx context.Context, channel string, sinceID, limit int) ([]events.CatchupEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`, channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events on %s: %w", channel, err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.CatchupEvent
	for rows.Next() {
		var (
			id      int
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("unmarshaling event %d: %w", id, err)
		}
		out = append(out, events.CatchupEvent{ID: id, Payload: decoded})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return out, nil
}

// GetEvent returns one stored event payload by id. Clients call this to
// re-fetch events the NOTIFY path delivered truncated.
func (c *Client) GetEvent(ctx context.Context, id int64) (map[string]any, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM events WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %d: %w", id, err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshaling event %d: %w", id, err)
	}
	decoded["db_event_id"] = id
	return decoded, nil
}
