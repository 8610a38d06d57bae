package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists jobs. Every mutation is a single atomic compare-and-set against the
// stored record, so several schedulers may share one store.
type Store interface {
	// CreateJob inserts a pending job with steps expanded from the kind's template.
	CreateJob(ctx context.Context, req CreateRequest) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Claim leases a pending job, or one whose lease expired, to owner.
	Claim(ctx context.Context, id, owner string, leaseTimeout time.Duration) (*Job, error)
	// BeginAttempt marks the current step running and bumps its attempt counter.
	BeginAttempt(ctx context.Context, id, owner string, stepIndex int) (*Job, error)
	// UpdateProgress records progress for the current step and refreshes the lease.
	UpdateProgress(ctx context.Context, id, owner string, stepIndex int, progress float64) (*Job, error)
	CompleteStep(ctx context.Context, id, owner string, stepIndex int, output json.RawMessage) error
	Finish(ctx context.Context, id, owner string, result json.RawMessage) error
	// Fail ends the job; a failure of kind FailureCancelled moves it to cancelled.
	Fail(ctx context.Context, id, owner string, failure *Failure) error
	RequestCancel(ctx context.Context, id string) error
	// ListRunnable returns claimable jobs, oldest first.
	ListRunnable(ctx context.Context, limit int, leaseTimeout time.Duration) ([]*Job, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, filter ListFilter) ([]*Job, int, error)
	Delete(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, before time.Time) ([]string, error)
	// EventsAfter reads the durable event log of a job, oldest first.
	EventsAfter(ctx context.Context, jobID string, since uint64, limit int) ([]Event, error)
}

type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
