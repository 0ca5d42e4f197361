// Package oracles holds SQL invariant checks run against a live database
// while the actors mutate it. Every query returns rows only when an invariant
// is broken.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Custody account holds exactly the sum over jobs still holding funds.
			Name: "O1_custody_conservation",
			SQL: `SELECT e.balance, COALESCE(open.total, 0)
                  FROM accounts e
                  LEFT JOIN (
                      SELECT SUM(amount) AS total FROM jobs
                      WHERE status IN ('created','funded','disputed')
                  ) open ON true
                  WHERE e.kind = 'escrow'
                    AND e.balance IS DISTINCT FROM COALESCE(open.total, 0)`,
		},
		{
			// Audit seq per job is gapless and strictly increasing.
			Name: "O2_audit_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT job_id, seq,
                             LAG(seq) OVER (PARTITION BY job_id ORDER BY seq) AS prev
                      FROM audit_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			// Funds leave custody at most once per job, and exactly once when
			// the job is terminal.
			Name: "O3_single_disbursement",
			SQL: `SELECT j.id, j.status, COALESCE(p.pushes, 0)
                  FROM jobs j
                  LEFT JOIN (
                      SELECT job_id, COUNT(*) AS pushes FROM ledger_entries
                      WHERE kind = 'push' GROUP BY job_id
                  ) p ON p.job_id = j.id
                  WHERE COALESCE(p.pushes, 0) <> CASE
                      WHEN j.status IN ('completed','resolved','cancelled') THEN 1
                      ELSE 0 END`,
		},
		{
			// Every ledger push matches its job's amount.
			Name: "O4_disbursement_amount",
			SQL: `SELECT l.id, l.amount, j.amount
                  FROM ledger_entries l
                  JOIN jobs j ON j.id = l.job_id
                  WHERE l.kind IN ('pull','push') AND l.amount <> j.amount`,
		},
		{
			// Paid jobs have a bound worker, and disputes never happen without one.
			Name: "O5_worker_binding",
			SQL: `SELECT id, status FROM jobs
                  WHERE status IN ('completed','funded','disputed') AND worker_id IS NULL`,
		},
		{
			// Every lifecycle event has a matching audit record.
			Name: "O6_audit_covers_status",
			SQL: `SELECT j.id, j.status FROM jobs j
                  WHERE NOT EXISTS (
                      SELECT 1 FROM audit_events e
                      WHERE e.job_id = j.id AND e.type = CASE j.status
                          WHEN 'funded'    THEN 'JOB_ACCEPTED'::audit_event_type
                          WHEN 'completed' THEN 'JOB_COMPLETED'::audit_event_type
                          WHEN 'cancelled' THEN 'JOB_CANCELLED'::audit_event_type
                          WHEN 'disputed'  THEN 'JOB_DISPUTED'::audit_event_type
                          WHEN 'resolved'  THEN 'DISPUTE_RESOLVED'::audit_event_type
                          ELSE 'JOB_CREATED'::audit_event_type END)`,
		},
		{
			// No account overdrawn (the CHECK guards this, but verify anyway).
			Name: "O7_no_negative_balance",
			SQL:  `SELECT id, balance FROM accounts WHERE balance < 0`,
		},
		{
			// Outbox rows keep moving; anything pending for minutes is stuck.
			Name: "O8_outbox_liveness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_append_only_guard_present",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_jobs')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
