package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CustodyMover moves the asset between external accounts and the engine's
// held balance. Both primitives run inside the engine's transaction.
type CustodyMover interface {
	Pull(ctx context.Context, tx pgx.Tx, accountID, jobID string, amount int64) error
	Push(ctx context.Context, tx pgx.Tx, accountID, jobID string, amount int64) error
}

// Engine executes every escrow operation as one transaction: validate,
// authorize, check the transition guard, mutate the registry, move custody,
// append the audit record and outbox message, commit. Any failure rolls the
// whole call back. The job row lock taken at load serializes competing calls
// on the same job; the loser re-reads the committed state and fails its guard.
type Engine struct {
	pool    TxBeginner
	repo    Repository
	custody CustodyMover
	now     func() time.Time
}

// NewEngine wires the engine with its storage and custody collaborators.
func NewEngine(pool TxBeginner, repo Repository, custody CustodyMover) *Engine {
	return &Engine{
		pool:    pool,
		repo:    repo,
		custody: custody,
		now:     time.Now,
	}
}

// WithClock overrides the engine clock. The clock is read exactly once per
// operation, so all guards within a call see the same instant.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateJob registers a new job and pulls its amount into custody. The job
// starts funded by the client, so creation and funding are one atomic step.
func (e *Engine) CreateJob(ctx context.Context, caller string, params CreateParams) (Job, error) {
	if caller == "" {
		return Job{}, fmt.Errorf("%w: missing caller identity", ErrValidation)
	}
	if params.Amount < MinAmount {
		return Job{}, fmt.Errorf("%w: amount %d below minimum %d", ErrValidation, params.Amount, MinAmount)
	}
	if params.Duration <= 0 || params.Duration > MaxDuration {
		return Job{}, fmt.Errorf("%w: duration out of range", ErrValidation)
	}
	if !validDescriptor(params.Descriptor) {
		return Job{}, fmt.Errorf("%w: descriptor must be a hex sha256 digest", ErrValidation)
	}
	if params.Worker != "" {
		if _, err := uuid.Parse(params.Worker); err != nil {
			return Job{}, fmt.Errorf("%w: worker must be a valid identity", ErrValidation)
		}
	}

	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seq, err := e.repo.NextJobSeq(ctx, tx)
	if err != nil {
		return Job{}, err
	}

	deadline := now.Add(params.Duration)
	job := Job{
		ID:          deriveJobID(caller, params.Worker, params.Amount, now, seq),
		Client:      caller,
		Amount:      params.Amount,
		Descriptor:  params.Descriptor,
		Status:      StatusCreated,
		Deadline:    deadline,
		MaxDeadline: deadline.Add(ExtensionCap),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if params.Worker != "" {
		worker := params.Worker
		job.Worker = &worker
	}

	if err := e.repo.InsertJob(ctx, tx, job); err != nil {
		return Job{}, err
	}
	if err := e.repo.AppendAgentJob(ctx, tx, caller, job.ID, now); err != nil {
		return Job{}, err
	}
	if job.Worker != nil && *job.Worker != caller {
		if err := e.repo.AppendAgentJob(ctx, tx, *job.Worker, job.ID, now); err != nil {
			return Job{}, err
		}
	}

	if err := e.custody.Pull(ctx, tx, caller, job.ID, job.Amount); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventJobCreated,
		ActorID: caller,
		Amount:  &job.Amount,
		Payload: map[string]any{
			"client_id":  job.Client,
			"worker_id":  params.Worker,
			"descriptor": job.Descriptor,
			"deadline":   job.Deadline,
		},
		At: now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicJobCreated, map[string]any{
		"job_id":    job.ID,
		"client_id": job.Client,
		"worker_id": params.Worker,
		"amount":    job.Amount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return job, nil
}

// AcceptJob binds the caller as the job's worker. Holds no custody effect.
func (e *Engine) AcceptJob(ctx context.Context, caller, jobID string) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if caller == job.Client {
		return Job{}, fmt.Errorf("%w: client cannot accept own job", ErrUnauthorized)
	}
	if !CanTransition(job.Status, StatusFunded) {
		return Job{}, fmt.Errorf("%w: cannot accept job in status %s", ErrInvalidState, job.Status)
	}
	if job.WorkerAssigned() {
		return Job{}, fmt.Errorf("%w: worker already assigned", ErrInvalidState)
	}
	if !now.Before(job.Deadline) {
		return Job{}, fmt.Errorf("%w: deadline passed", ErrTiming)
	}

	if err := e.repo.AssignWorker(ctx, tx, job.ID, caller, now); err != nil {
		return Job{}, err
	}
	if err := e.repo.AppendAgentJob(ctx, tx, caller, job.ID, now); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventJobAccepted,
		ActorID: caller,
		Payload: map[string]any{"worker_id": caller},
		At:      now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicJobAccepted, map[string]any{
		"job_id":    job.ID,
		"worker_id": caller,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit accept: %w", err)
	}

	job.Worker = &caller
	job.Status = StatusFunded
	job.UpdatedAt = now
	return job, nil
}

// CompleteJob releases the held amount to the worker. The client may complete
// a job that was never accepted as long as a worker identity is bound, so the
// payout destination is always the assigned worker, never inferred.
func (e *Engine) CompleteJob(ctx context.Context, caller, jobID string) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if caller != job.Client {
		return Job{}, fmt.Errorf("%w: only the client may complete", ErrUnauthorized)
	}
	if !CanTransition(job.Status, StatusCompleted) {
		return Job{}, fmt.Errorf("%w: cannot complete job in status %s", ErrInvalidState, job.Status)
	}
	if !job.WorkerAssigned() {
		return Job{}, fmt.Errorf("%w: no worker assigned", ErrInvalidState)
	}

	if err := e.repo.SetStatus(ctx, tx, job.ID, StatusCompleted, now); err != nil {
		return Job{}, err
	}
	if err := e.custody.Push(ctx, tx, *job.Worker, job.ID, job.Amount); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventJobCompleted,
		ActorID: caller,
		Amount:  &job.Amount,
		Payload: map[string]any{"worker_id": *job.Worker},
		At:      now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicJobCompleted, map[string]any{
		"job_id":    job.ID,
		"worker_id": *job.Worker,
		"amount":    job.Amount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit complete: %w", err)
	}

	job.Status = StatusCompleted
	job.UpdatedAt = now
	return job, nil
}

// CancelJob refunds the client. Only open (created) jobs cancel, and a job
// with an assigned worker only after its deadline has passed.
func (e *Engine) CancelJob(ctx context.Context, caller, jobID string) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if caller != job.Client {
		return Job{}, fmt.Errorf("%w: only the client may cancel", ErrUnauthorized)
	}
	if !CanTransition(job.Status, StatusCancelled) {
		return Job{}, fmt.Errorf("%w: cannot cancel job in status %s", ErrInvalidState, job.Status)
	}
	if job.WorkerAssigned() && !now.After(job.Deadline) {
		return Job{}, fmt.Errorf("%w: worker assigned and deadline not passed", ErrInvalidState)
	}

	if err := e.repo.SetStatus(ctx, tx, job.ID, StatusCancelled, now); err != nil {
		return Job{}, err
	}
	if err := e.custody.Push(ctx, tx, job.Client, job.ID, job.Amount); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventJobCancelled,
		ActorID: caller,
		Amount:  &job.Amount,
		At:      now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicJobCancelled, map[string]any{
		"job_id":    job.ID,
		"client_id": job.Client,
		"amount":    job.Amount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}

	job.Status = StatusCancelled
	job.UpdatedAt = now
	return job, nil
}

// DisputeJob freezes a funded job. Either party may raise the dispute; the
// held amount stays in custody until resolution.
func (e *Engine) DisputeJob(ctx context.Context, caller, jobID string) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if caller != job.Client && !(job.WorkerAssigned() && caller == *job.Worker) {
		return Job{}, fmt.Errorf("%w: caller is not a party to the job", ErrUnauthorized)
	}
	if !CanTransition(job.Status, StatusDisputed) {
		return Job{}, fmt.Errorf("%w: cannot dispute job in status %s", ErrInvalidState, job.Status)
	}

	if err := e.repo.SetStatus(ctx, tx, job.ID, StatusDisputed, now); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventJobDisputed,
		ActorID: caller,
		At:      now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicJobDisputed, map[string]any{
		"job_id":    job.ID,
		"raised_by": caller,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}

	job.Status = StatusDisputed
	job.UpdatedAt = now
	return job, nil
}

// ResolveDispute refunds the client in full once the resolution window after
// the deadline has elapsed. Any caller may trigger it; the window is the only
// guard beyond status.
func (e *Engine) ResolveDispute(ctx context.Context, caller, jobID string) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if !CanTransition(job.Status, StatusResolved) {
		return Job{}, fmt.Errorf("%w: cannot resolve job in status %s", ErrInvalidState, job.Status)
	}
	if !now.After(job.Deadline.Add(ResolutionWindow)) {
		return Job{}, fmt.Errorf("%w: resolution window not elapsed", ErrTiming)
	}

	if err := e.repo.SetStatus(ctx, tx, job.ID, StatusResolved, now); err != nil {
		return Job{}, err
	}
	if err := e.custody.Push(ctx, tx, job.Client, job.ID, job.Amount); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventDisputeResolved,
		ActorID: caller,
		Amount:  &job.Amount,
		Payload: map[string]any{"refunded_to": job.Client},
		At:      now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicDisputeResolved, map[string]any{
		"job_id":    job.ID,
		"client_id": job.Client,
		"amount":    job.Amount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit resolve: %w", err)
	}

	job.Status = StatusResolved
	job.UpdatedAt = now
	return job, nil
}

// ExtendDeadline moves the deadline forward, bounded by the cap fixed at
// creation. The original deadline is never reachable again.
func (e *Engine) ExtendDeadline(ctx context.Context, caller, jobID string, newDeadline time.Time) (Job, error) {
	now := e.now().UTC()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := e.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}

	if caller != job.Client {
		return Job{}, fmt.Errorf("%w: only the client may extend the deadline", ErrUnauthorized)
	}
	if job.Status.Terminal() || job.Status == StatusDisputed {
		return Job{}, fmt.Errorf("%w: cannot extend job in status %s", ErrInvalidState, job.Status)
	}
	if !newDeadline.After(job.Deadline) {
		return Job{}, fmt.Errorf("%w: deadline may only move forward", ErrValidation)
	}
	if newDeadline.After(job.MaxDeadline) {
		return Job{}, fmt.Errorf("%w: deadline beyond extension cap", ErrValidation)
	}

	if err := e.repo.SetDeadline(ctx, tx, job.ID, newDeadline, now); err != nil {
		return Job{}, err
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditParams{
		JobID:   job.ID,
		Type:    EventDeadlineExtended,
		ActorID: caller,
		Payload: map[string]any{
			"previous_deadline": job.Deadline,
			"new_deadline":      newDeadline,
		},
		At: now,
	}); err != nil {
		return Job{}, err
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicDeadlineExtended, map[string]any{
		"job_id":   job.ID,
		"deadline": newDeadline,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit extend: %w", err)
	}

	job.Deadline = newDeadline
	job.UpdatedAt = now
	return job, nil
}

// GetJob returns the job record. Read-only.
func (e *Engine) GetJob(ctx context.Context, jobID string) (Job, error) {
	return e.repo.GetJob(ctx, jobID)
}

// AgentJobs returns the ordered job ids the identity is a party to. Read-only.
func (e *Engine) AgentJobs(ctx context.Context, agentID string) ([]string, error) {
	return e.repo.AgentJobs(ctx, agentID)
}

// JobEvents returns the job's audit trail in append order. Read-only.
func (e *Engine) JobEvents(ctx context.Context, jobID string) ([]AuditEvent, error) {
	return e.repo.JobEvents(ctx, jobID)
}
