package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/pkg/errors"
)

func newQueuedJob(id string) *job.Job {
	return &job.Job{
		ID:        id,
		Status:    job.StatusQueued,
		SourceKey: "jobs/" + id + "/source.mp4",
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Create(ctx, newQueuedJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("status=%s, want queued", got.Status)
	}
}

func TestGetUnknown(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(context.Background(), "nope")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestClaimExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Create(ctx, newQueuedJob("j1")); err != nil {
		t.Fatal(err)
	}

	const claimers = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := s.Claim(ctx, "j1", "worker-x"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.IsCode(err, errors.CodeInvalidTransition) {
				t.Errorf("loser got unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", wins)
	}

	got, _ := s.Get(ctx, "j1")
	if got.Status != job.StatusProcessing {
		t.Errorf("status=%s, want processing", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts=%d, want 1", got.Attempts)
	}
}

func TestTransitionsMonotonic(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		terminal job.Status
	}{
		{"completed is final", job.StatusCompleted},
		{"failed is final", job.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory()
			if err := s.Create(ctx, newQueuedJob("j1")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Claim(ctx, "j1", "w1"); err != nil {
				t.Fatal(err)
			}
			if err := s.Transition(ctx, "j1", tt.terminal, TransitionExtra{ResultKey: "r", ErrorKind: job.ErrKindDecode}); err != nil {
				t.Fatalf("terminal transition: %v", err)
			}

			// No transition out of a terminal state, including re-claim.
			for _, to := range []job.Status{job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed} {
				err := s.Transition(ctx, "j1", to, TransitionExtra{})
				if !errors.IsCode(err, errors.CodeInvalidTransition) {
					t.Errorf("transition to %s: expected INVALID_TRANSITION, got %v", to, err)
				}
			}
			if _, err := s.Claim(ctx, "j1", "w2"); !errors.IsCode(err, errors.CodeInvalidTransition) {
				t.Errorf("claim of terminal job: expected INVALID_TRANSITION, got %v", err)
			}

			got, _ := s.Get(ctx, "j1")
			if got.Status != tt.terminal {
				t.Errorf("status drifted to %s after rejected transitions", got.Status)
			}
		})
	}
}

func TestTerminalTransitionFencedByClaimOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Create(ctx, newQueuedJob("j1"))
	_, _ = s.Claim(ctx, "j1", "w1")

	// w1 stalls past the liveness timeout; the job is requeued and
	// another worker claims the next attempt.
	if err := s.Transition(ctx, "j1", job.StatusQueued, TransitionExtra{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "j1", "w2"); err != nil {
		t.Fatal(err)
	}

	// The stalled worker resumes and tries to record its old outcome.
	err := s.Transition(ctx, "j1", job.StatusCompleted, TransitionExtra{ResultKey: "stale", ClaimedBy: "w1"})
	if !errors.IsCode(err, errors.CodeInvalidTransition) {
		t.Fatalf("stale owner: expected INVALID_TRANSITION, got %v", err)
	}
	got, _ := s.Get(ctx, "j1")
	if got.Status != job.StatusProcessing || got.ResultKey != "" {
		t.Errorf("stale outcome leaked: status=%s result=%q", got.Status, got.ResultKey)
	}

	// The current owner's outcome lands.
	if err := s.Transition(ctx, "j1", job.StatusCompleted, TransitionExtra{ResultKey: "r", ClaimedBy: "w2"}); err != nil {
		t.Fatalf("current owner: %v", err)
	}
}

func TestCompletedSetsResultKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Create(ctx, newQueuedJob("j1"))
	_, _ = s.Claim(ctx, "j1", "w1")

	if err := s.Transition(ctx, "j1", job.StatusCompleted, TransitionExtra{ResultKey: "jobs/j1/result.mp4"}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "j1")
	if got.ResultKey != "jobs/j1/result.mp4" {
		t.Errorf("result key=%q", got.ResultKey)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestFailedSetsErrorKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Create(ctx, newQueuedJob("j1"))
	_, _ = s.Claim(ctx, "j1", "w1")

	if err := s.Transition(ctx, "j1", job.StatusFailed, TransitionExtra{
		ErrorKind: job.ErrKindDecode,
		ErrorText: "moov atom not found",
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "j1")
	if got.ErrorKind != job.ErrKindDecode {
		t.Errorf("error kind=%s", got.ErrorKind)
	}
	if got.ErrorText != "moov atom not found" {
		t.Errorf("error text=%q", got.ErrorText)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Create(ctx, newQueuedJob("j1"))
	claimed, _ := s.Claim(ctx, "j1", "w1")
	before := *claimed.HeartbeatAt

	time.Sleep(5 * time.Millisecond)
	if err := s.Heartbeat(ctx, "j1", "w1"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "j1")
	if !got.HeartbeatAt.After(before) {
		t.Error("heartbeat not advanced")
	}

	// Another worker cannot stamp liveness on a job it does not own.
	if err := s.Heartbeat(ctx, "j1", "w2"); err == nil {
		t.Error("expected heartbeat from non-owner to fail")
	}
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// fresh: claimed just now, must not be touched
	_ = s.Create(ctx, newQueuedJob("fresh"))
	_, _ = s.Claim(ctx, "fresh", "w1")

	// stale under limit: requeued
	_ = s.Create(ctx, newQueuedJob("stale"))
	_, _ = s.Claim(ctx, "stale", "w2")

	// stale over limit: failed
	exhausted := newQueuedJob("exhausted")
	_ = s.Create(ctx, exhausted)
	_, _ = s.Claim(ctx, "exhausted", "w3")
	s.mu.Lock()
	s.jobs["exhausted"].Attempts = 3
	old := time.Now().UTC().Add(-time.Hour)
	s.jobs["exhausted"].HeartbeatAt = &old
	s.jobs["stale"].HeartbeatAt = &old
	s.mu.Unlock()

	requeued, failed, err := s.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute), 3)
	if err != nil {
		t.Fatal(err)
	}

	if len(requeued) != 1 || requeued[0] != "stale" {
		t.Errorf("requeued=%v, want [stale]", requeued)
	}
	if len(failed) != 1 || failed[0] != "exhausted" {
		t.Errorf("failed=%v, want [exhausted]", failed)
	}

	gotFresh, _ := s.Get(ctx, "fresh")
	if gotFresh.Status != job.StatusProcessing {
		t.Errorf("fresh job status=%s, want processing", gotFresh.Status)
	}
	gotStale, _ := s.Get(ctx, "stale")
	if gotStale.Status != job.StatusQueued || gotStale.ClaimedBy != "" {
		t.Errorf("stale job status=%s claimed_by=%q", gotStale.Status, gotStale.ClaimedBy)
	}
	gotExhausted, _ := s.Get(ctx, "exhausted")
	if gotExhausted.Status != job.StatusFailed || gotExhausted.ErrorKind != job.ErrKindWorkerCrash {
		t.Errorf("exhausted job status=%s kind=%s", gotExhausted.Status, gotExhausted.ErrorKind)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_ = s.Create(ctx, newQueuedJob("live"))

	_ = s.Create(ctx, newQueuedJob("done"))
	_, _ = s.Claim(ctx, "done", "w1")
	_ = s.Transition(ctx, "done", job.StatusCompleted, TransitionExtra{ResultKey: "r"})
	s.mu.Lock()
	old := time.Now().UTC().Add(-48 * time.Hour)
	s.jobs["done"].FinishedAt = &old
	s.mu.Unlock()

	deleted, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].ID != "done" {
		t.Fatalf("deleted=%v", deleted)
	}

	if _, err := s.Get(ctx, "done"); !errors.IsNotFound(err) {
		t.Error("deleted job should be gone")
	}
	if _, err := s.Get(ctx, "live"); err != nil {
		t.Error("queued job must survive retention")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	j := newQueuedJob("j1")
	j.ImageKeys = map[string]string{"a.png": "jobs/j1/a.png"}
	_ = s.Create(ctx, j)

	snap, _ := s.Get(ctx, "j1")
	snap.ImageKeys["a.png"] = "tampered"
	snap.Status = job.StatusFailed

	fresh, _ := s.Get(ctx, "j1")
	if fresh.ImageKeys["a.png"] != "jobs/j1/a.png" {
		t.Error("snapshot mutation leaked into store")
	}
	if fresh.Status != job.StatusQueued {
		t.Error("snapshot status mutation leaked into store")
	}
}
