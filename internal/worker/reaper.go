package worker

import (
	"context"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/queue"
)

// Reaper recovers jobs whose worker died mid-render. A processing job
// whose heartbeat is older than the liveness timeout is requeued for
// another attempt, or failed once its attempts are exhausted.
type Reaper struct {
	store jobstore.Store
	queue queue.Queue
	log   *logger.Logger

	interval        time.Duration
	livenessTimeout time.Duration
	maxAttempts     int

	// lastPush records when each job id was last pushed, so the orphan
	// pass does not duplicate an id on every sweep while it waits to be
	// claimed. Only the Run/Sweep goroutine touches it.
	lastPush map[string]time.Time
}

// ReaperDeps configures a Reaper.
type ReaperDeps struct {
	Store jobstore.Store
	Queue queue.Queue
	Log   *logger.Logger

	// Interval is how often the scan runs.
	Interval time.Duration
	// LivenessTimeout is the heartbeat age beyond which a claim is
	// considered dead. Must comfortably exceed the heartbeat interval.
	LivenessTimeout time.Duration
	// MaxAttempts caps claims per job before it fails permanently.
	MaxAttempts int
}

func NewReaper(d ReaperDeps) *Reaper {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Interval <= 0 {
		d.Interval = 30 * time.Second
	}
	if d.LivenessTimeout <= 0 {
		d.LivenessTimeout = 2 * time.Minute
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	return &Reaper{
		store:           d.Store,
		queue:           d.Queue,
		log:             log.WithComponent("reaper"),
		interval:        d.Interval,
		livenessTimeout: d.LivenessTimeout,
		maxAttempts:     d.MaxAttempts,
		lastPush:        make(map[string]time.Time),
	}
}

// Run scans on the configured interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("reaper started",
		"interval", r.interval.String(),
		"liveness_timeout", r.livenessTimeout.String(),
		"max_attempts", r.maxAttempts,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.livenessTimeout)

	requeued, failed, err := r.store.RequeueStale(ctx, cutoff, r.maxAttempts)
	if err != nil {
		r.log.Error("stale scan failed", "error", err.Error())
		return
	}

	for _, id := range requeued {
		if err := r.queue.Push(ctx, id); err != nil {
			// Job stays queued in the store; the orphan pass below picks
			// it up once the queue drains.
			r.log.WithJobID(id).Warn("requeue push failed", "error", err.Error())
		} else {
			r.lastPush[id] = time.Now().UTC()
			r.log.WithJobID(id).Info("stale job requeued")
		}
	}
	for _, id := range failed {
		r.log.WithJobID(id).Warn("stale job failed, retries exhausted")
	}

	r.repushOrphans(ctx)
}

// repushOrphans re-pushes queued jobs old enough that they should have
// been claimed by now, covering ids lost between the store and the
// queue. An id already pushed within the liveness window is left alone
// until it is claimed or the window passes; a rare duplicate push is
// harmless, as of two pops only one claim can win.
func (r *Reaper) repushOrphans(ctx context.Context) {
	const batch = 100

	jobs, err := r.store.List(ctx, job.StatusQueued, batch)
	if err != nil {
		r.log.Error("orphan scan failed", "error", err.Error())
		return
	}

	queued := make(map[string]bool, len(jobs))
	now := time.Now().UTC()
	cutoff := now.Add(-r.livenessTimeout)
	for _, j := range jobs {
		queued[j.ID] = true
		// Only jobs that have been claimed before can be orphaned here;
		// fresh submissions are pushed (or compensated) by intake.
		if j.Attempts == 0 || !j.CreatedAt.Before(cutoff) {
			continue
		}
		if t, ok := r.lastPush[j.ID]; ok && t.After(cutoff) {
			continue
		}
		if err := r.queue.Push(ctx, j.ID); err != nil {
			r.log.WithJobID(j.ID).Warn("orphan push failed", "error", err.Error())
			return
		}
		r.lastPush[j.ID] = now
		r.log.WithJobID(j.ID).Info("orphaned job re-pushed")
	}

	// Claimed or deleted jobs no longer need a push record.
	for id := range r.lastPush {
		if !queued[id] {
			delete(r.lastPush, id)
		}
	}
}
