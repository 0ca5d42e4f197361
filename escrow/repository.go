package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditParams contains the fields written for one audit record.
type AuditParams struct {
	JobID   string
	Type    string
	ActorID string
	Amount  *int64
	Payload map[string]any
	At      time.Time
}

// Repository defines the data access the engine needs. Mutations run inside
// the engine's transaction; reads go straight to the pool.
type Repository interface {
	NextJobSeq(ctx context.Context, tx pgx.Tx) (int64, error)
	InsertJob(ctx context.Context, tx pgx.Tx, job Job) error
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, at time.Time) error
	AssignWorker(ctx context.Context, tx pgx.Tx, id, worker string, at time.Time) error
	SetDeadline(ctx context.Context, tx pgx.Tx, id string, deadline, at time.Time) error
	AppendAgentJob(ctx context.Context, tx pgx.Tx, agentID, jobID string, at time.Time) error
	AppendAudit(ctx context.Context, tx pgx.Tx, params AuditParams) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error

	GetJob(ctx context.Context, id string) (Job, error)
	AgentJobs(ctx context.Context, agentID string) ([]string, error)
	JobEvents(ctx context.Context, jobID string) ([]AuditEvent, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed escrow repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const jobColumns = `id, client_id::text, worker_id::text, amount, descriptor, status::text, deadline, max_deadline, created_at, updated_at`

// NextJobSeq consumes the engine's monotonic job counter.
func (r *PGRepository) NextJobSeq(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('job_id_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("escrow: next job seq: %w", err)
	}
	return seq, nil
}

// InsertJob writes a freshly created job row.
func (r *PGRepository) InsertJob(ctx context.Context, tx pgx.Tx, job Job) error {
	const insertSQL = `
		INSERT INTO jobs (id, client_id, worker_id, amount, descriptor, status, deadline, max_deadline, created_at, updated_at)
		VALUES ($1, $2::uuid, $3::uuid, $4, $5, $6::job_status, $7, $8, $9, $9)
	`

	var worker any
	if job.Worker != nil {
		worker = *job.Worker
	}
	if _, err := tx.Exec(ctx, insertSQL,
		job.ID, job.Client, worker, job.Amount, job.Descriptor, job.Status,
		job.Deadline, job.MaxDeadline, job.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: unknown party identity", ErrValidation)
		}
		return fmt.Errorf("escrow: insert job: %w", err)
	}
	return nil
}

// GetJobForUpdate locks the job row for the lifetime of the transaction so no
// competing call can observe it mid-transition.
func (r *PGRepository) GetJobForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("escrow: lock job: %w", err)
	}
	return job, nil
}

// SetStatus moves the job to the given status.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE jobs SET status = $1::job_status, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		return fmt.Errorf("escrow: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AssignWorker binds the worker identity and moves the job to funded in one
// write. The worker_id guard backs the write-once contract even if a caller
// bypasses the service.
func (r *PGRepository) AssignWorker(ctx context.Context, tx pgx.Tx, id, worker string, at time.Time) error {
	const updateSQL = `
		UPDATE jobs
		SET worker_id = $1::uuid, status = 'funded', updated_at = $2
		WHERE id = $3 AND worker_id IS NULL
	`

	tag, err := tx.Exec(ctx, updateSQL, worker, at, id)
	if err != nil {
		return fmt.Errorf("escrow: assign worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: worker already assigned", ErrInvalidState)
	}
	return nil
}

// SetDeadline extends the job deadline.
func (r *PGRepository) SetDeadline(ctx context.Context, tx pgx.Tx, id string, deadline, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE jobs SET deadline = $1, updated_at = $2 WHERE id = $3`, deadline, at, id)
	if err != nil {
		return fmt.Errorf("escrow: set deadline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AppendAgentJob records the identity as a party to the job.
func (r *PGRepository) AppendAgentJob(ctx context.Context, tx pgx.Tx, agentID, jobID string, at time.Time) error {
	const insertSQL = `INSERT INTO agent_jobs (agent_id, job_id, created_at) VALUES ($1::uuid, $2, $3)`
	if _, err := tx.Exec(ctx, insertSQL, agentID, jobID, at); err != nil {
		return fmt.Errorf("escrow: append agent job: %w", err)
	}
	return nil
}

// AppendAudit writes the next audit record for the job. The per-job seq is
// computed under the job row lock, so it is strictly increasing.
func (r *PGRepository) AppendAudit(ctx context.Context, tx pgx.Tx, params AuditParams) error {
	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal audit payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM audit_events WHERE job_id = $1`, params.JobID).Scan(&seq); err != nil {
		return fmt.Errorf("escrow: next audit seq: %w", err)
	}

	var actor any
	if params.ActorID != "" {
		actor = params.ActorID
	}

	const insertSQL = `
		INSERT INTO audit_events (job_id, seq, type, actor_id, amount, payload, created_at)
		VALUES ($1, $2, $3::audit_event_type, $4::uuid, $5, $6::jsonb, $7)
	`
	if _, err := tx.Exec(ctx, insertSQL, params.JobID, seq, params.Type, actor, params.Amount, body, params.At); err != nil {
		return fmt.Errorf("escrow: insert audit event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages an event for asynchronous delivery.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// GetJob fetches a job without locking it.
func (r *PGRepository) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("escrow: get job: %w", err)
	}
	return job, nil
}

// AgentJobs returns the ordered job ids the identity is a party to.
func (r *PGRepository) AgentJobs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT job_id FROM agent_jobs WHERE agent_id = $1::uuid ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("escrow: agent jobs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan agent job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate agent jobs: %w", err)
	}
	return ids, nil
}

// JobEvents returns the job's audit records in append order.
func (r *PGRepository) JobEvents(ctx context.Context, jobID string) ([]AuditEvent, error) {
	const selectSQL = `
		SELECT id, job_id, seq, type::text, actor_id::text, amount, payload, created_at
		FROM audit_events
		WHERE job_id = $1
		ORDER BY seq
	`

	rows, err := r.pool.Query(ctx, selectSQL, jobID)
	if err != nil {
		return nil, fmt.Errorf("escrow: job events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Amount, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate audit events: %w", err)
	}
	return events, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job    Job
		worker *string
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.Client,
		&worker,
		&job.Amount,
		&job.Descriptor,
		&status,
		&job.Deadline,
		&job.MaxDeadline,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.Worker = worker
	job.Status = Status(status)
	return job, nil
}
