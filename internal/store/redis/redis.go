// Package redis implements the short-lived slot tier on Redis. Key material
// lives here with a TTL so seeds age out faster than the credentials they
// protect.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trustvault/internal/store"
)

const keyPrefix = "trustvault:slot:"

// Store is a Redis-backed slot store. Every Put refreshes the slot's TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection. ttl bounds how long a
// slot survives after its last write; zero means no expiry.
func New(ctx context.Context, addr, password string, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &Store{client: client, ttl: ttl}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the record for slot, or (nil, nil) when absent or expired.
func (s *Store) Get(ctx context.Context, slot string) (*store.Record, error) {
	payload, err := s.client.Get(ctx, keyPrefix+slot).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	ts, err := s.client.Get(ctx, keyPrefix+slot+":at").Result()
	rec := &store.Record{Payload: payload}
	if err == nil {
		if at, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			rec.UpdatedAt = at
		}
	}
	return rec, nil
}

// Put replaces the record for slot and refreshes its TTL.
func (s *Store) Put(ctx context.Context, slot string, payload []byte) error {
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+slot, payload, s.ttl)
	pipe.Set(ctx, keyPrefix+slot+":at", now.Format(time.RFC3339Nano), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Delete removes the record for slot. Deleting an absent slot is not an error.
func (s *Store) Delete(ctx context.Context, slot string) error {
	if err := s.client.Del(ctx, keyPrefix+slot, keyPrefix+slot+":at").Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}
