// Package actors provides concurrent load generators for the escrow engine.
// Actors only generate traffic; the invariants are asserted by the oracles
// package against the database they share.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/outbox"
)

// Stats counts actor outcomes across the run. Guard rejections are the normal
// cost of contention; anything in Unexpected deserves a look in the logs.
type Stats struct {
	Deposited  atomic.Int64
	Created    atomic.Int64
	Accepted   atomic.Int64
	Completed  atomic.Int64
	Cancelled  atomic.Int64
	Disputed   atomic.Int64
	Resolved   atomic.Int64
	Extended   atomic.Int64
	Rejected   atomic.Int64
	Unexpected atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("deposited=%d created=%d accepted=%d completed=%d cancelled=%d disputed=%d resolved=%d extended=%d rejected=%d unexpected=%d",
		s.Deposited.Load(), s.Created.Load(), s.Accepted.Load(), s.Completed.Load(), s.Cancelled.Load(),
		s.Disputed.Load(), s.Resolved.Load(), s.Extended.Load(), s.Rejected.Load(), s.Unexpected.Load())
}

// record classifies an operation outcome. Domain guard errors and connection
// drops (the chaos actor kills backends) are expected under load.
func (s *Stats) record(err error, success *atomic.Int64) {
	switch {
	case err == nil:
		success.Add(1)
	case errors.Is(err, escrow.ErrValidation),
		errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrTiming),
		errors.Is(err, escrow.ErrJobNotFound),
		errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, custody.ErrTransferRejected),
		errors.Is(err, pgx.ErrNoRows):
		s.Rejected.Add(1)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case isConnectionError(err):
		s.Rejected.Add(1)
	default:
		s.Unexpected.Add(1)
	}
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Depositor tops up a client account so creators do not starve.
func Depositor(ctx context.Context, cust *custody.Repository, accountID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := cust.Deposit(ctx, accountID, int64(500+rand.Intn(2000)))
		stats.record(err, &stats.Deposited)
		pause(20, 40)
	}
}

// Creator opens jobs with short deadlines so the timing guards get exercised
// while the run is still going.
func Creator(ctx context.Context, engine *escrow.Engine, clientID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := engine.CreateJob(ctx, clientID, escrow.CreateParams{
			Amount:     escrow.MinAmount + int64(rand.Intn(400)),
			Duration:   time.Duration(1+rand.Intn(5)) * time.Second,
			Descriptor: fmt.Sprintf("%064x", rand.Int63()),
		})
		stats.record(err, &stats.Created)
		pause(15, 35)
	}
}

// pickJob selects a random job id in one of the given statuses.
func pickJob(ctx context.Context, pool *pgxpool.Pool, statuses string) (string, error) {
	var id string
	query := fmt.Sprintf(`SELECT id FROM jobs WHERE status IN (%s) ORDER BY random() LIMIT 1`, statuses)
	err := pool.QueryRow(ctx, query).Scan(&id)
	return id, err
}

// Acceptor races to bind itself as worker on open jobs. Under contention most
// attempts lose to the row lock and surface as state rejections.
func Acceptor(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, workerID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickJob(ctx, pool, `'created'`)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(25, 50)
			continue
		}
		_, err = engine.AcceptJob(ctx, workerID, id)
		stats.record(err, &stats.Accepted)
		pause(10, 30)
	}
}

// Completer releases payment on jobs the client owns.
func Completer(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, clientID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickJob(ctx, pool, `'created','funded'`)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(25, 50)
			continue
		}
		_, err = engine.CompleteJob(ctx, clientID, id)
		stats.record(err, &stats.Completed)
		pause(20, 40)
	}
}

// Canceller refunds jobs once their deadline passes or no worker took them.
func Canceller(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, clientID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickJob(ctx, pool, `'created'`)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(25, 50)
			continue
		}
		_, err = engine.CancelJob(ctx, clientID, id)
		stats.record(err, &stats.Cancelled)
		pause(30, 60)
	}
}

// Disputer freezes funded jobs as one of the parties.
func Disputer(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, clientID, workerID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickJob(ctx, pool, `'funded'`)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(40, 80)
			continue
		}
		caller := clientID
		if rand.Intn(2) == 0 {
			caller = workerID
		}
		_, err = engine.DisputeJob(ctx, caller, id)
		stats.record(err, &stats.Disputed)
		pause(40, 80)
	}
}

// Resolver hammers disputed jobs. Within a short run every attempt lands
// inside the resolution window, so this actor mostly proves the timing guard
// holds under concurrency.
func Resolver(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, callerID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickJob(ctx, pool, `'disputed'`)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(60, 100)
			continue
		}
		_, err = engine.ResolveDispute(ctx, callerID, id)
		stats.record(err, &stats.Resolved)
		pause(60, 100)
	}
}

// Extender pushes deadlines forward within the per-job cap.
func Extender(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, clientID string, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		var deadline time.Time
		err := pool.QueryRow(ctx,
			`SELECT id, deadline FROM jobs WHERE status IN ('created','funded') ORDER BY random() LIMIT 1`,
		).Scan(&id, &deadline)
		if err != nil {
			stats.record(err, &stats.Rejected)
			pause(50, 80)
			continue
		}
		_, err = engine.ExtendDeadline(ctx, clientID, id, deadline.Add(time.Duration(1+rand.Intn(3))*time.Second))
		stats.record(err, &stats.Extended)
		pause(50, 80)
	}
}

// OutboxDrainer keeps delivering staged events while the others mutate state.
func OutboxDrainer(ctx context.Context, relay *outbox.Relay, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := relay.DrainOnce(ctx); err != nil {
			stats.record(err, &stats.Rejected)
		}
		pause(100, 100)
	}
}
