package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustvault/internal/store"
)

// DefaultCapacity bounds the event ring when no capacity is configured.
const DefaultCapacity = 1000

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// Emitter forwards an event to an external sink (OTel logs, Kafka). Emit is
// best-effort; failures must not affect session or token behavior.
type Emitter interface {
	Emit(ctx context.Context, e *Event) error
}

// Log is the append-only, bounded security event trail. Events beyond capacity
// drop oldest first. Persistence of the ring itself is best-effort: a store
// failure is logged and swallowed.
type Log struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	store    store.Store
	emitter  Emitter
	nowF     func() time.Time
}

// NewLog returns an event log bounded to capacity (DefaultCapacity when <= 0).
// st may be nil for a memory-only trail; emitter may be nil. Any events already
// persisted in the store's slot are reloaded so a restarted context keeps its
// trail.
func NewLog(st store.Store, capacity int, emitter Emitter) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		capacity: capacity,
		store:    st,
		emitter:  emitter,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
	l.reload()
	return l
}

func (l *Log) reload() {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	rec, err := l.store.Get(ctx, store.SlotSecurityEventLog)
	if err != nil || rec == nil {
		return
	}
	var events []Event
	if err := json.Unmarshal(rec.Payload, &events); err != nil {
		return
	}
	if len(events) > l.capacity {
		events = events[len(events)-l.capacity:]
	}
	l.events = events
}

// Append records the event, assigning ID and timestamp when unset. It never
// returns an error: persistence and emit failures are logged and swallowed.
func (l *Log) Append(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowF()
	}

	l.mu.Lock()
	l.events = append(l.events, e)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
	snapshot := make([]Event, len(l.events))
	copy(snapshot, l.events)
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	l.emitAsync(&e)
}

func (l *Log) persist(ctx context.Context, events []Event) {
	if l.store == nil {
		return
	}
	payload, err := json.Marshal(events)
	if err != nil {
		log.Printf("audit: marshal event log: %v", err)
		return
	}
	if err := l.store.Put(ctx, store.SlotSecurityEventLog, payload); err != nil {
		log.Printf("audit: persist event log: %v", err)
	}
}

// emitAsync forwards the event to the emitter in a goroutine with a short
// timeout so the caller is not blocked. The goroutine uses context.Background()
// so request cancellation does not abort an in-flight emit.
func (l *Log) emitAsync(e *Event) {
	if l.emitter == nil || e == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := l.emitter.Emit(ctx, e); err != nil {
			log.Printf("audit: async emit failed: %v", err)
		}
	}()
}

// Query returns up to limit events, newest first. limit <= 0 returns all.
func (l *Log) Query(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[i])
	}
	return out
}
