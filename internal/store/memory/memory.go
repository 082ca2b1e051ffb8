// Package memory provides an in-process slot store. It backs tests and the
// memory-only degradation path when a durable backend is unreachable.
package memory

import (
	"context"
	"sync"
	"time"

	"trustvault/internal/store"
)

// Store is a mutex-guarded in-memory slot store. Watchers registered through
// Watch receive every published signal payload, which makes a single Store
// shared by two components behave like two contexts over one persistent store.
type Store struct {
	mu       sync.RWMutex
	slots    map[string]store.Record
	watchers map[int]chan []byte
	nextID   int
	nowF     func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		slots:    make(map[string]store.Record),
		watchers: make(map[int]chan []byte),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the record for slot, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, slot string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.slots[slot]
	if !ok {
		return nil, nil
	}
	cp := store.Record{Payload: append([]byte(nil), rec.Payload...), UpdatedAt: rec.UpdatedAt}
	return &cp, nil
}

// Put replaces the record for slot.
func (s *Store) Put(ctx context.Context, slot string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = store.Record{Payload: append([]byte(nil), payload...), UpdatedAt: s.nowF()}
	return nil
}

// Delete removes the record for slot. Deleting an absent slot is not an error.
func (s *Store) Delete(ctx context.Context, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slot)
	return nil
}

// Publish writes the payload to the signal slot, fans it out to watchers, and
// clears the slot again. Watchers that are not draining are skipped rather
// than blocking the publisher.
func (s *Store) Publish(ctx context.Context, payload []byte) error {
	if err := s.Put(ctx, store.SlotCrossContextSignal, payload); err != nil {
		return err
	}
	s.mu.RLock()
	for _, ch := range s.watchers {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	s.mu.RUnlock()
	return s.Delete(ctx, store.SlotCrossContextSignal)
}

// Watch returns a channel of signal payloads. The channel closes when ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
