package events

import (
	"context"
	"log/slog"
)

// Emitter is the engine's sink for progress events. The payload is one of
// the typed structs in payloads.go; its "type" field selects persistence
// and routing. Emission is best-effort: the engine logs failures and keeps
// going, it never blocks a job on event delivery.
type Emitter interface {
	Emit(ctx context.Context, taskID string, payload any) error
}

// NopEmitter discards every event. Used when the engine runs without a
// store or API surface.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, string, any) error { return nil }

// LogEmit emits through e and logs the error, if any. Convenience for the
// fire-and-forget call sites.
func LogEmit(ctx context.Context, e Emitter, taskID string, payload any) {
	if e == nil {
		return
	}
	if err := e.Emit(ctx, taskID, payload); err != nil {
		slog.Warn("Event emission failed", "task_id", taskID, "error", err)
	}
}
