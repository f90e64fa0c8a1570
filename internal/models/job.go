package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an account creation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobPriority orders jobs within the queue. Higher values dequeue first.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 1
	PriorityHigh   JobPriority = 2
)

// Job is the unit of queued work: a request for one or more account
// creation runs. The ID is immutable; everything else is owned by the
// worker that claims the job.
type Job struct {
	ID       string      `json:"id"`
	Count    int         `json:"count"`
	Username string      `json:"username,omitempty"`
	Password string      `json:"password,omitempty"`
	Priority JobPriority `json:"priority"`

	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJob builds a pending job with a fresh UUID.
func NewJob(count int, username, password string, priority JobPriority) *Job {
	if count < 1 {
		count = 1
	}
	return &Job{
		ID:        uuid.NewString(),
		Count:     count,
		Username:  username,
		Password:  password,
		Priority:  priority,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}

// JobResult aggregates the per-account outcomes of one job execution.
type JobResult struct {
	AccountsCreated int             `json:"accounts_created"`
	Accounts        []AccountRecord `json:"accounts"`
	Errors          []string        `json:"errors,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// StatusUpdate is broadcast on the job updates channel after every
// status transition.
type StatusUpdate struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	WorkerID  string     `json:"worker_id"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
}

// WorkerHealth is the periodically refreshed liveness record a worker
// writes so external monitors can detect a stalled or dead process.
type WorkerHealth struct {
	WorkerID      string    `json:"worker_id"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentJob    string    `json:"current_job,omitempty"`
	JobsProcessed int64     `json:"jobs_processed"`
	JobsSucceeded int64     `json:"jobs_succeeded"`
	JobsFailed    int64     `json:"jobs_failed"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}
