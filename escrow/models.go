package escrow

import "time"

// Status is the lifecycle stage of a job. Transitions only move forward along
// the graph in status.go; terminal statuses are never left.
type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Job mirrors the jobs table. Client, Amount, Descriptor, CreatedAt and
// MaxDeadline are written once at creation and never mutated; Worker is
// write-once (at creation or acceptance).
type Job struct {
	ID          string
	Client      string
	Worker      *string
	Amount      int64
	Descriptor  string
	Status      Status
	Deadline    time.Time
	MaxDeadline time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkerAssigned reports whether a worker identity has been bound to the job.
func (j Job) WorkerAssigned() bool {
	return j.Worker != nil && *j.Worker != ""
}

// AuditEvent captures one immutable audit record for a job. Seq is strictly
// increasing per job.
type AuditEvent struct {
	ID        int64
	JobID     string
	Seq       int
	Type      string
	ActorID   *string
	Amount    *int64
	Payload   []byte
	CreatedAt time.Time
}

// Audit event types, one per state-mutating operation.
const (
	EventJobCreated       = "JOB_CREATED"
	EventJobAccepted      = "JOB_ACCEPTED"
	EventJobCompleted     = "JOB_COMPLETED"
	EventJobCancelled     = "JOB_CANCELLED"
	EventJobDisputed      = "JOB_DISPUTED"
	EventDisputeResolved  = "DISPUTE_RESOLVED"
	EventDeadlineExtended = "DEADLINE_EXTENDED"
)

// Outbox topics published alongside the audit events.
const (
	TopicJobCreated       = "job.created"
	TopicJobAccepted      = "job.accepted"
	TopicJobCompleted     = "job.completed"
	TopicJobCancelled     = "job.cancelled"
	TopicJobDisputed      = "job.disputed"
	TopicDisputeResolved  = "job.dispute_resolved"
	TopicDeadlineExtended = "job.deadline_extended"
)

// CreateParams carries caller-supplied inputs for job creation. Worker may be
// empty to leave the job open for acceptance.
type CreateParams struct {
	Worker     string
	Amount     int64
	Duration   time.Duration
	Descriptor string
}
