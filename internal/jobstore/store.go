// Package jobstore is the durable mapping from job id to job state. It
// is the single point of mutable shared state in the system; every
// implementation serializes status transitions per job id while leaving
// reads and unrelated jobs uncontended.
package jobstore

import (
	"context"
	"time"

	"vidforge/internal/job"
)

// TransitionExtra carries the fields set alongside a terminal transition.
type TransitionExtra struct {
	ResultKey string
	ErrorKind job.ErrorKind
	ErrorText string

	// ClaimedBy, when set, restricts a terminal transition to the worker
	// that still owns the claim. A worker whose claim was reaped and
	// re-claimed elsewhere cannot record an outcome for the new attempt.
	ClaimedBy string
}

// Store is the job store contract. All transition methods are atomic per
// job id: of two racing callers, exactly one wins and the loser gets an
// INVALID_TRANSITION error. Unknown ids yield NOT_FOUND.
type Store interface {
	// Create persists a new job. The job must be in StatusQueued.
	Create(ctx context.Context, j *job.Job) error

	// Get returns a snapshot of the job. The returned value is a copy;
	// readers never block writers.
	Get(ctx context.Context, id string) (job.Job, error)

	// Claim atomically moves a queued job to processing on behalf of
	// workerID, incrementing its attempt counter. Exactly one of any
	// number of concurrent claimers wins.
	Claim(ctx context.Context, id, workerID string) (job.Job, error)

	// Transition moves a job to a terminal state. Attempting to
	// transition a job already in a terminal state is a reported no-op,
	// never a crash. With extra.ClaimedBy set, the transition also
	// requires that worker to still hold the claim.
	Transition(ctx context.Context, id string, to job.Status, extra TransitionExtra) error

	// Heartbeat stamps liveness for a processing job owned by workerID.
	Heartbeat(ctx context.Context, id, workerID string) error

	// RequeueStale scans processing jobs whose heartbeat is older than
	// cutoff: jobs under the attempt limit go back to queued (returned in
	// requeued, to be re-pushed onto the render queue); the rest are
	// failed with ErrKindWorkerCrash.
	RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued []string, failed []string, err error)

	// List returns recent jobs, newest first, optionally filtered by
	// status. Used by the admin listing endpoint.
	List(ctx context.Context, status job.Status, limit int) ([]job.Job, error)

	// DeleteTerminalBefore removes completed/failed jobs finished before
	// cutoff and returns them so the caller can delete their assets.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]job.Job, error)

	// Delete removes a job unconditionally. Used for intake compensation
	// when enqueueing fails after the record was created.
	Delete(ctx context.Context, id string) error
}
