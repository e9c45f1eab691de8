// Package sync drives the reconciliation pipeline: it pulls provider
// snapshots, applies them to the ledger, advances overdraft accrual and
// reconciles card lock state, one account at a time under the account lock.
package sync

import (
	"time"

	"github.com/google/uuid"
)

// JobType names one schedulable unit of work. Every job is idempotent:
// re-running it against unchanged inputs writes nothing.
type JobType string

const (
	// JobSyncProvider pulls transaction windows and diffs them into the ledger.
	JobSyncProvider JobType = "sync-provider"
	// JobAccrueOverdraft advances each account's daily overdraft state.
	JobAccrueOverdraft JobType = "accrue-overdraft"
	// JobReconcileCardState aligns card locks with balances and remote state.
	JobReconcileCardState JobType = "reconcile-card-state"
)

// JobStatus is the lifecycle state of one run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Run records one job execution. A run completes even when individual
// accounts fail; Failed is reserved for errors that stop the whole run.
type Run struct {
	ID          uuid.UUID
	Type        JobType
	Status      JobStatus
	StartedAt   time.Time
	CompletedAt *time.Time

	AccountsProcessed int
	AccountsFailed    int
	Error             string
}

func newRun(jt JobType, now time.Time) *Run {
	return &Run{
		ID:        uuid.New(),
		Type:      jt,
		Status:    JobStatusRunning,
		StartedAt: now,
	}
}

func (r *Run) finish(now time.Time, err error) {
	done := now
	r.CompletedAt = &done
	if err != nil {
		r.Status = JobStatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = JobStatusCompleted
}
