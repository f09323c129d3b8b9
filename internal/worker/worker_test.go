package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/jobstore"
	"vidforge/internal/overlay"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/queue"
	"vidforge/internal/render"
)

type fakeStorage struct {
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Provider() string { return "fake" }

func (f *fakeStorage) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	var data []byte
	if in.Reader != nil {
		data, _ = io.ReadAll(in.Reader)
	}
	f.objects[in.ObjectKey] = data
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (f *fakeStorage) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, "", 0, fmt.Errorf("object %s not found", objectKey)
	}
	return io.NopCloser(bytes.NewReader(data)), "video/mp4", int64(len(data)), nil
}

func (f *fakeStorage) DeleteObject(ctx context.Context, objectKey string) error {
	delete(f.objects, objectKey)
	return nil
}

// fakeEngine writes a marker output file, or fails with a fixed error.
type fakeEngine struct {
	err    error
	inputs []render.Input
	jobIDs []string
}

func (e *fakeEngine) Render(ctx context.Context, in render.Input) error {
	e.inputs = append(e.inputs, in)
	if id, ok := ctx.Value(logger.JobIDKey).(string); ok {
		e.jobIDs = append(e.jobIDs, id)
	}
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(in.OutputPath, []byte("rendered"), 0o644)
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Output: io.Discard})
}

type fixture struct {
	pool   *Pool
	store  *jobstore.Memory
	queue  *queue.Memory
	sp     *fakeStorage
	engine *fakeEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  jobstore.NewMemory(),
		queue:  queue.NewMemory(16),
		sp:     newFakeStorage(),
		engine: &fakeEngine{},
	}
	f.pool = NewPool(Deps{
		Store:             f.store,
		Queue:             f.queue,
		SP:                f.sp,
		Engine:            f.engine,
		Log:               quietLogger(),
		WorkDir:           t.TempDir(),
		Workers:           1,
		PopTimeout:        10 * time.Millisecond,
		RenderTimeout:     time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	return f
}

func (f *fixture) seedJob(t *testing.T, id string) {
	t.Helper()
	f.sp.objects["jobs/"+id+"/source.mp4"] = []byte("source bytes")
	err := f.store.Create(context.Background(), &job.Job{
		ID:        id,
		Status:    job.StatusQueued,
		SourceKey: "jobs/" + id + "/source.mp4",
		Overlays: []overlay.Overlay{
			{ID: "t", Kind: overlay.KindText, Text: "hi", Start: 0, End: 1},
		},
		DurationSec: 5,
		Width:       640,
		Height:      480,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestProcessCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")

	f.pool.Process(context.Background(), "w1", "j1")

	j, err := f.store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != job.StatusCompleted {
		t.Fatalf("status=%s, want completed (error=%s)", j.Status, j.ErrorText)
	}
	if j.ResultKey != "jobs/j1/result.mp4" {
		t.Errorf("result key=%q", j.ResultKey)
	}
	if got := f.sp.objects[j.ResultKey]; string(got) != "rendered" {
		t.Errorf("result object=%q, want rendered bytes", got)
	}
	if len(f.engine.inputs) != 1 || len(f.engine.inputs[0].Overlays) != 1 {
		t.Errorf("engine input wrong: %+v", f.engine.inputs)
	}
	// render context is enriched with the job id for downstream logging
	if len(f.engine.jobIDs) != 1 || f.engine.jobIDs[0] != "j1" {
		t.Errorf("render context job id=%v, want [j1]", f.engine.jobIDs)
	}
}

// fakeLocalStorage hands out direct paths like the localfs provider.
type fakeLocalStorage struct {
	*fakeStorage
}

func (f *fakeLocalStorage) LocalPath(objectKey string) string {
	return "/assets/" + objectKey
}

func TestProcessRendersLocalObjectsInPlace(t *testing.T) {
	f := newFixture(t)
	f.pool.sp = &fakeLocalStorage{f.sp}
	f.seedJob(t, "j1")

	f.pool.Process(context.Background(), "w1", "j1")

	j, _ := f.store.Get(context.Background(), "j1")
	if j.Status != job.StatusCompleted {
		t.Fatalf("status=%s, want completed (error=%s)", j.Status, j.ErrorText)
	}
	if len(f.engine.inputs) != 1 {
		t.Fatalf("engine ran %d times, want 1", len(f.engine.inputs))
	}
	if got := f.engine.inputs[0].SourcePath; got != "/assets/jobs/j1/source.mp4" {
		t.Errorf("source path=%q, want the provider's path, not a scratch copy", got)
	}
}

func TestProcessRecordsTimeout(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")
	f.engine.err = errors.Timeout("render")

	f.pool.Process(context.Background(), "w1", "j1")

	j, _ := f.store.Get(context.Background(), "j1")
	if j.Status != job.StatusFailed || j.ErrorKind != job.ErrKindRenderTimeout {
		t.Errorf("status=%s kind=%s, want failed/RenderTimeout", j.Status, j.ErrorKind)
	}
}

func TestProcessRecordsDecodeFailure(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")
	f.engine.err = errors.WrapWithCode(
		fmt.Errorf("ffmpeg exited 1"), errors.CodeInvalidInput,
		"render.ffmpeg", "source video could not be decoded",
	)

	f.pool.Process(context.Background(), "w1", "j1")

	j, _ := f.store.Get(context.Background(), "j1")
	if j.Status != job.StatusFailed || j.ErrorKind != job.ErrKindDecode {
		t.Errorf("status=%s kind=%s, want failed/DecodeError", j.Status, j.ErrorKind)
	}
	if j.ErrorText == "" {
		t.Error("failed job must carry a diagnostic message")
	}
}

func TestProcessRecordsStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")
	delete(f.sp.objects, "jobs/j1/source.mp4")

	f.pool.Process(context.Background(), "w1", "j1")

	j, _ := f.store.Get(context.Background(), "j1")
	if j.Status != job.StatusFailed || j.ErrorKind != job.ErrKindStorage {
		t.Errorf("status=%s kind=%s, want failed/StorageFailure", j.Status, j.ErrorKind)
	}
}

func TestProcessSkipsAlreadyClaimedJob(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")

	if _, err := f.store.Claim(context.Background(), "j1", "other"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	f.pool.Process(context.Background(), "w1", "j1")

	j, _ := f.store.Get(context.Background(), "j1")
	if j.Status != job.StatusProcessing || j.ClaimedBy != "other" {
		t.Errorf("losing claimer must not touch the job: %+v", j)
	}
	if len(f.engine.inputs) != 0 {
		t.Error("losing claimer must not render")
	}
}

func TestProcessSkipsDeletedJob(t *testing.T) {
	f := newFixture(t)

	f.pool.Process(context.Background(), "w1", "ghost")

	if len(f.engine.inputs) != 0 {
		t.Error("unknown job must not render")
	}
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "j1")
	f.seedJob(t, "j2")
	if err := f.queue.Push(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Push(context.Background(), "j2"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		j1, _ := f.store.Get(context.Background(), "j1")
		j2, _ := f.store.Get(context.Background(), "j2")
		if j1.Status == job.StatusCompleted && j2.Status == job.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not drained: j1=%s j2=%s", j1.Status, j2.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestReaperRequeuesStaleJob(t *testing.T) {
	store := jobstore.NewMemory()
	q := queue.NewMemory(16)
	r := NewReaper(ReaperDeps{
		Store:           store,
		Queue:           q,
		Log:             quietLogger(),
		Interval:        time.Hour,
		LivenessTimeout: time.Nanosecond,
		MaxAttempts:     3,
	})

	ctx := context.Background()
	if err := store.Create(ctx, &job.Job{ID: "j1", Status: job.StatusQueued, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "j1", "dead-worker"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	r.Sweep(ctx)

	j, _ := store.Get(ctx, "j1")
	if j.Status != job.StatusQueued {
		t.Fatalf("status=%s, want queued", j.Status)
	}
	id, err := q.Pop(ctx, time.Second)
	if err != nil || id != "j1" {
		t.Errorf("queue id=%q err=%v, want j1", id, err)
	}
}

func TestReaperOrphanPushNotRepeated(t *testing.T) {
	store := jobstore.NewMemory()
	q := queue.NewMemory(16)
	r := NewReaper(ReaperDeps{
		Store:           store,
		Queue:           q,
		Log:             quietLogger(),
		Interval:        time.Hour,
		LivenessTimeout: 50 * time.Millisecond,
		MaxAttempts:     3,
	})

	ctx := context.Background()
	if err := store.Create(ctx, &job.Job{ID: "j1", Status: job.StatusQueued, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "j1", "dead-worker"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	r.Sweep(ctx)
	// While the pushed id waits to be claimed, further sweeps must not
	// stack duplicates of it in the queue.
	r.Sweep(ctx)

	if d, _ := q.Depth(ctx); d != 1 {
		t.Fatalf("queue depth=%d, want 1", d)
	}

	// Once a worker claims the job, its push record is dropped and the
	// sweep leaves the queue alone.
	if id, _ := q.Pop(ctx, time.Second); id != "j1" {
		t.Fatalf("popped %q, want j1", id)
	}
	if _, err := store.Claim(ctx, "j1", "w2"); err != nil {
		t.Fatal(err)
	}
	r.Sweep(ctx)
	if d, _ := q.Depth(ctx); d != 0 {
		t.Errorf("claimed job re-pushed, depth=%d", d)
	}
}

func TestReaperFailsExhaustedJob(t *testing.T) {
	store := jobstore.NewMemory()
	q := queue.NewMemory(16)
	r := NewReaper(ReaperDeps{
		Store:           store,
		Queue:           q,
		Log:             quietLogger(),
		Interval:        time.Hour,
		LivenessTimeout: time.Nanosecond,
		MaxAttempts:     2,
	})

	ctx := context.Background()
	if err := store.Create(ctx, &job.Job{ID: "j1", Status: job.StatusQueued, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	// burn through the attempt budget
	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, "j1", "w"); err != nil {
			t.Fatal(err)
		}
		if i < 1 {
			if err := store.Transition(ctx, "j1", job.StatusQueued, jobstore.TransitionExtra{}); err != nil {
				t.Fatal(err)
			}
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.Sweep(ctx)

	j, _ := store.Get(ctx, "j1")
	if j.Status != job.StatusFailed || j.ErrorKind != job.ErrKindWorkerCrash {
		t.Errorf("status=%s kind=%s, want failed/WorkerCrash", j.Status, j.ErrorKind)
	}
	if id, _ := q.Pop(ctx, 10*time.Millisecond); id != "" {
		t.Errorf("exhausted job must not be requeued, got %q", id)
	}
}
