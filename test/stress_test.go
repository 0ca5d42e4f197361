package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROW_TEST_PG_DSN") != "":
		dsn = os.Getenv("ESCROW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	cust := custody.NewRepository(pool)
	engine := escrow.NewEngine(pool, escrow.NewRepository(pool), cust)
	relay := outbox.NewRelay(pool, nil)
	stats := &actors.Stats{}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// creators and acceptors battling over the same pool of jobs
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, engine, seedData.clientID, stats, stop) })
		g.Go(func() error {
			return actors.Acceptor(ctx2, engine, pool, seedData.workerIDs[i%len(seedData.workerIDs)], stats, stop)
		})
	}

	g.Go(func() error { return actors.Depositor(ctx2, cust, seedData.clientID, stats, stop) })
	g.Go(func() error { return actors.Completer(ctx2, engine, pool, seedData.clientID, stats, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, engine, pool, seedData.clientID, stats, stop) })
	g.Go(func() error {
		return actors.Disputer(ctx2, engine, pool, seedData.clientID, seedData.workerIDs[0], stats, stop)
	})
	g.Go(func() error { return actors.Resolver(ctx2, engine, pool, seedData.clientID, stats, stop) })
	g.Go(func() error { return actors.Extender(ctx2, engine, pool, seedData.clientID, stats, stop) })
	g.Go(func() error { return actors.OutboxDrainer(ctx2, relay, stats, stop) })
	// chaos: kill random backends through the run
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	t.Logf("stress outcome: %s (seed=%d)", stats, seed)
	if n := stats.Unexpected.Load(); n > 0 {
		t.Fatalf("%d unexpected actor errors (seed=%d)", n, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	clientID  string
	workerIDs []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	cust := custody.NewRepository(pool)

	var s seedIDs
	if err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Stress Client', 'x', 'client') RETURNING id`,
		fmt.Sprintf("client%d@example.com", rand.Int63()),
	).Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := cust.CreateAccount(ctx, s.clientID); err != nil {
		t.Fatalf("open client account: %v", err)
	}
	if err := cust.Deposit(ctx, s.clientID, 1_000_000); err != nil {
		t.Fatalf("fund client: %v", err)
	}

	for i := 0; i < 4; i++ {
		var workerID string
		if err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Stress Worker', 'x', 'worker') RETURNING id`,
			fmt.Sprintf("worker%d-%d@example.com", i, rand.Int63()),
		).Scan(&workerID); err != nil {
			t.Fatalf("seed worker: %v", err)
		}
		if err := cust.CreateAccount(ctx, workerID); err != nil {
			t.Fatalf("open worker account: %v", err)
		}
		s.workerIDs = append(s.workerIDs, workerID)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"jobs", `SELECT id, status, amount, worker_id, deadline FROM jobs ORDER BY created_at DESC LIMIT 50`},
		{"audit_events", `SELECT id, job_id, seq, type, created_at FROM audit_events ORDER BY id DESC LIMIT 50`},
		{"ledger_entries", `SELECT id, job_id, from_account, to_account, amount, kind FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"accounts", `SELECT id, kind, balance FROM accounts ORDER BY updated_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
