// Package outbox delivers staged engine events to external observers. Rows
// are written by the engine inside the same transaction as the state change,
// so delivery is at-least-once and never reports events that did not commit.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Publisher delivers one message to its destination.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher writes messages to the process log. It is the default sink
// when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	log.Printf("outbox: %s %s", topic, payload)
	return nil
}

// Relay drains pending outbox rows and hands them to the publisher. Multiple
// relays (or consumers within one) are safe to run concurrently: each batch is
// claimed with FOR UPDATE SKIP LOCKED.
type Relay struct {
	pool        *pgxpool.Pool
	pub         Publisher
	consumers   int
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

// NewRelay builds a relay with the default polling settings.
func NewRelay(pool *pgxpool.Pool, pub Publisher) *Relay {
	if pub == nil {
		pub = LogPublisher{}
	}
	return &Relay{
		pool:        pool,
		pub:         pub,
		consumers:   2,
		batchSize:   25,
		maxAttempts: 5,
		interval:    250 * time.Millisecond,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.consumers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if _, err := r.DrainOnce(ctx); err != nil {
						log.Printf("outbox: drain: %v", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

type pendingRow struct {
	id       string
	topic    string
	payload  []byte
	attempts int
}

// DrainOnce claims and delivers one batch, returning how many rows it
// processed (delivered or marked dead).
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	batch := make([]pendingRow, 0, r.batchSize)
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.id, &p.topic, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan row: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	done := 0
	for _, p := range batch {
		if err := r.pub.Publish(ctx, p.topic, p.payload); err != nil {
			status := "pending"
			if p.attempts+1 >= r.maxAttempts {
				status = "dead"
				done++
			}
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET status = $1::outbox_status, attempts = attempts + 1, last_attempt = now() WHERE id = $2`,
				status, p.id); err != nil {
				return done, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`,
			p.id); err != nil {
			return done, fmt.Errorf("outbox: mark processed: %w", err)
		}
		done++
	}

	if err := tx.Commit(ctx); err != nil {
		return done, fmt.Errorf("outbox: commit: %w", err)
	}
	return done, nil
}
