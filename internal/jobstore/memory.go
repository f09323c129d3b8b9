package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/pkg/errors"
)

// Memory is a non-durable, in-process reference implementation of Store.
// Job state does not survive a restart, so it is only suitable for
// development (single process with embedded workers) and tests. The
// postgres store is the durable implementation.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return errors.Newf(errors.CodeInternal, "job %s already exists", j.ID)
	}
	cp := clone(j)
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, errors.NotFound("job", id)
	}
	return clone(j), nil
}

func (m *Memory) Claim(ctx context.Context, id, workerID string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, errors.NotFound("job", id)
	}
	if j.Status != job.StatusQueued {
		return job.Job{}, errors.InvalidTransition(id, string(j.Status), string(job.StatusProcessing))
	}

	now := time.Now().UTC()
	j.Status = job.StatusProcessing
	j.ClaimedBy = workerID
	j.Attempts++
	j.StartedAt = &now
	j.HeartbeatAt = &now
	return clone(j), nil
}

func (m *Memory) Transition(ctx context.Context, id string, to job.Status, extra TransitionExtra) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if !job.CanTransition(j.Status, to) {
		return errors.InvalidTransition(id, string(j.Status), string(to))
	}
	if to.Terminal() && extra.ClaimedBy != "" && j.ClaimedBy != extra.ClaimedBy {
		// The claim moved to another worker; only the current owner may
		// record an outcome.
		return errors.InvalidTransition(id, string(j.Status), string(to))
	}

	now := time.Now().UTC()
	j.Status = to
	switch to {
	case job.StatusCompleted:
		j.ResultKey = extra.ResultKey
		j.FinishedAt = &now
	case job.StatusFailed:
		j.ErrorKind = extra.ErrorKind
		j.ErrorText = extra.ErrorText
		j.FinishedAt = &now
	case job.StatusQueued:
		j.ClaimedBy = ""
		j.StartedAt = nil
		j.HeartbeatAt = nil
	}
	return nil
}

func (m *Memory) Heartbeat(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if j.Status != job.StatusProcessing || j.ClaimedBy != workerID {
		return errors.InvalidTransition(id, string(j.Status), string(job.StatusProcessing))
	}

	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

func (m *Memory) RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int) (requeued []string, failed []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, j := range m.jobs {
		if j.Status != job.StatusProcessing {
			continue
		}
		if j.HeartbeatAt != nil && !j.HeartbeatAt.Before(cutoff) {
			continue
		}

		if j.Attempts >= maxAttempts {
			j.Status = job.StatusFailed
			j.ErrorKind = job.ErrKindWorkerCrash
			j.ErrorText = "worker heartbeat lost and retry limit exceeded"
			j.FinishedAt = &now
			failed = append(failed, id)
		} else {
			j.Status = job.StatusQueued
			j.ClaimedBy = ""
			j.StartedAt = nil
			j.HeartbeatAt = nil
			requeued = append(requeued, id)
		}
	}
	return requeued, failed, nil
}

func (m *Memory) List(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]job.Job, 0, limit)
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []job.Job
	for id, j := range m.jobs {
		if !j.Status.Terminal() || j.FinishedAt == nil || !j.FinishedAt.Before(cutoff) {
			continue
		}
		deleted = append(deleted, clone(j))
		delete(m.jobs, id)
	}
	return deleted, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return errors.NotFound("job", id)
	}
	delete(m.jobs, id)
	return nil
}

// clone deep-copies a job so readers hold an isolated snapshot.
func clone(j *job.Job) job.Job {
	cp := *j
	if j.Overlays != nil {
		cp.Overlays = append(cp.Overlays[:0:0], j.Overlays...)
	}
	if j.ImageKeys != nil {
		cp.ImageKeys = make(map[string]string, len(j.ImageKeys))
		for k, v := range j.ImageKeys {
			cp.ImageKeys[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		cp.HeartbeatAt = &t
	}
	return cp
}
