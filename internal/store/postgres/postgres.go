// Package postgres implements the durable slot store on Postgres via pgx.
// Cross-context signal delivery rides LISTEN/NOTIFY so sibling processes
// sharing the database observe invalidations without polling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustvault/internal/store"
)

const signalChannel = "trustvault_signal"

// Store is a Postgres-backed slot store. All slots live in one table with
// whole-record replace semantics; updated_at is set by the database so clocks
// across contexts agree.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and verifies the connection. Call Close when done.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get returns the record for slot, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, slot string) (*store.Record, error) {
	const q = `SELECT payload, updated_at FROM slots WHERE slot = $1`
	var rec store.Record
	err := s.pool.QueryRow(ctx, q, slot).Scan(&rec.Payload, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &rec, nil
}

// Put replaces the record for slot.
func (s *Store) Put(ctx context.Context, slot string, payload []byte) error {
	const q = `
        INSERT INTO slots (slot, payload, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (slot) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
    `
	if _, err := s.pool.Exec(ctx, q, slot, payload); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Delete removes the record for slot. Deleting an absent slot is not an error.
func (s *Store) Delete(ctx context.Context, slot string) error {
	const q = `DELETE FROM slots WHERE slot = $1`
	if _, err := s.pool.Exec(ctx, q, slot); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Publish writes the payload to the signal slot, notifies the signal channel,
// and clears the slot. The marker slot exists only so late joiners polling the
// store can see an in-flight signal; the payload itself carries no secrets.
func (s *Store) Publish(ctx context.Context, payload []byte) error {
	if err := s.Put(ctx, store.SlotCrossContextSignal, payload); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, signalChannel, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s.Delete(ctx, store.SlotCrossContextSignal)
}

// Watch listens on the signal channel from a dedicated connection and yields
// notification payloads. The channel closes when ctx ends or the connection is
// lost; callers that need resilience re-invoke Watch.
func (s *Store) Watch(ctx context.Context) (<-chan []byte, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+signalChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	ch := make(chan []byte, 8)
	go func() {
		defer close(ch)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("store: signal listener stopped: %v", err)
				}
				return
			}
			select {
			case ch <- []byte(n.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
