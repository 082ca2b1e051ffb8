// Package store defines the shared persistent slot store behind the credential
// and session subsystem. Slots are whole-record replace only; partial field
// updates never touch the store, which keeps the cross-context write surface
// small.
package store

import (
	"context"
	"errors"
	"time"
)

// Logical slot names. Backends may prefix them but must keep them stable, since
// sibling execution contexts address the same slots.
const (
	SlotRefreshCredential  = "refresh-credential"
	SlotProfileCache       = "profile-cache"
	SlotDeviceFingerprint  = "device-fingerprint"
	SlotMasterKey          = "master-key-material"
	SlotIntegrityKey       = "integrity-key-material"
	SlotSessionTable       = "session-table"
	SlotSecurityEventLog   = "security-event-log"
	SlotCrossContextSignal = "cross-context-signal"
)

// ErrUnavailable reports that the backing store cannot be reached. Callers
// degrade to memory-only operation rather than crashing.
var ErrUnavailable = errors.New("store: unavailable")

// Record is a slot's payload plus the time it was last written. Readers use
// UpdatedAt to resolve last-write-wins races between contexts: when timestamps
// disagree, the freshest record wins.
type Record struct {
	Payload   []byte
	UpdatedAt time.Time
}

// Store is a slot-addressed record store shared across execution contexts.
// Get returns (nil, nil) when the slot is absent.
type Store interface {
	Get(ctx context.Context, slot string) (*Record, error)
	Put(ctx context.Context, slot string, payload []byte) error
	Delete(ctx context.Context, slot string) error
}

// Notifier delivers cross-context signal payloads published through the
// signal slot. Publish is write-then-clear and fire-and-forget; Watch yields
// payloads published by any context sharing the store (including this one —
// subscribers filter their own origin). The channel closes when ctx ends.
type Notifier interface {
	Publish(ctx context.Context, payload []byte) error
	Watch(ctx context.Context) (<-chan []byte, error)
}
