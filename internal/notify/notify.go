// Package notify propagates credential lifecycle signals across execution
// contexts sharing the same persistent store. Only "invalidate now" markers
// cross contexts; credential values never ride the notification channel.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"trustvault/internal/store"
)

// Signal kinds published through the store's signal slot.
const (
	KindTokenUpdated = "token-updated"
	KindTokenCleared = "token-cleared"
)

// Signal is the marker exchanged between contexts. Origin identifies the
// publishing context so it can ignore its own signals.
type Signal struct {
	Kind   string    `json:"kind"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Broadcaster publishes and observes cross-context signals. Publishing is
// fire-and-forget: failures are logged, never returned, because a missed
// notification degrades convergence, not correctness.
type Broadcaster struct {
	notifier store.Notifier
	origin   string
	nowF     func() time.Time
}

// NewBroadcaster returns a Broadcaster over the given signal transport with a
// fresh origin identity. notifier may be nil, which yields a no-op broadcaster
// (memory-only operation).
func NewBroadcaster(notifier store.Notifier) *Broadcaster {
	return &Broadcaster{
		notifier: notifier,
		origin:   uuid.New().String(),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// TokenUpdated signals sibling contexts that credentials changed.
func (b *Broadcaster) TokenUpdated(ctx context.Context) {
	b.publish(ctx, KindTokenUpdated)
}

// TokenCleared signals sibling contexts to drop credentials now.
func (b *Broadcaster) TokenCleared(ctx context.Context) {
	b.publish(ctx, KindTokenCleared)
}

func (b *Broadcaster) publish(ctx context.Context, kind string) {
	if b == nil || b.notifier == nil {
		return
	}
	payload, err := json.Marshal(Signal{Kind: kind, Origin: b.origin, At: b.nowF()})
	if err != nil {
		log.Printf("notify: marshal %s signal: %v", kind, err)
		return
	}
	if err := b.notifier.Publish(ctx, payload); err != nil {
		log.Printf("notify: publish %s signal: %v", kind, err)
	}
}

// Watch yields signals published by sibling contexts. The broadcaster's own
// signals are filtered out. The channel closes when ctx ends or the underlying
// transport stops.
func (b *Broadcaster) Watch(ctx context.Context) (<-chan Signal, error) {
	if b.notifier == nil {
		ch := make(chan Signal)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	raw, err := b.notifier.Watch(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan Signal, 8)
	go func() {
		defer close(ch)
		for payload := range raw {
			var sig Signal
			if err := json.Unmarshal(payload, &sig); err != nil {
				log.Printf("notify: drop malformed signal: %v", err)
				continue
			}
			if sig.Origin == b.origin {
				continue
			}
			select {
			case ch <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
