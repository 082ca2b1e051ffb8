// Package producer forwards security events to a message broker for durable
// fan-out to downstream consumers.
package producer

import (
	"context"

	"trustvault/internal/audit"
)

// Producer emits security events. Callers use it best-effort: log and ignore
// errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; call from
	// a goroutine if needed.
	Emit(ctx context.Context, event *audit.Event) error
	// Close releases resources (e.g. the Kafka writer). Safe to call if
	// already closed.
	Close() error
}
