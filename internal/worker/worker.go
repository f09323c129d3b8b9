// Package worker runs the render worker pool: it pops job ids from the
// queue, claims them, materializes their assets, renders, and records
// the outcome on the job.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vidforge/internal/job"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/queue"
	"vidforge/internal/render"
)

// Deps are the worker pool dependencies and tuning knobs.
type Deps struct {
	Store  jobstore.Store
	Queue  queue.Queue
	SP     ports.StorageProvider
	Engine render.Engine
	Log    *logger.Logger

	// WorkDir is the scratch directory for per-job working copies.
	WorkDir string
	// Workers is the pool size. Each worker renders one job at a time, so
	// this bounds render concurrency.
	Workers int
	// PopTimeout bounds each blocking queue pop so workers notice
	// shutdown promptly.
	PopTimeout time.Duration
	// RenderTimeout bounds one render attempt end to end.
	RenderTimeout time.Duration
	// HeartbeatInterval is how often a busy worker stamps liveness.
	HeartbeatInterval time.Duration
}

// Pool is a fixed-size render worker pool.
type Pool struct {
	store     jobstore.Store
	queue     queue.Queue
	sp        ports.StorageProvider
	engine    render.Engine
	log       *logger.Logger
	workDir   string
	workers   int
	popWait   time.Duration
	renderTO  time.Duration
	heartbeat time.Duration
}

// NewPool creates the pool. Zero-valued knobs get working defaults.
func NewPool(d Deps) *Pool {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Workers <= 0 {
		d.Workers = 2
	}
	if d.PopTimeout <= 0 {
		d.PopTimeout = 5 * time.Second
	}
	if d.RenderTimeout <= 0 {
		d.RenderTimeout = 10 * time.Minute
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 15 * time.Second
	}
	return &Pool{
		store:     d.Store,
		queue:     d.Queue,
		sp:        d.SP,
		engine:    d.Engine,
		log:       log.WithComponent("worker"),
		workDir:   d.WorkDir,
		workers:   d.Workers,
		popWait:   d.PopTimeout,
		renderTO:  d.RenderTimeout,
		heartbeat: d.HeartbeatInterval,
	}
}

// Run starts the pool and blocks until ctx is canceled and every worker
// has drained its current job.
func (p *Pool) Run(ctx context.Context) {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", host, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.log.With("worker_id", workerID)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}

		id, err := p.queue.Pop(ctx, p.popWait)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopped")
				return
			}
			log.Error("queue pop failed", "error", err.Error())
			// Transient broker failure; back off before retrying.
			sleepCtx(ctx, time.Second)
			continue
		}
		if id == "" {
			continue
		}

		p.Process(ctx, workerID, id)
	}
}

// Process runs one claimed job to a terminal state. A job interrupted
// by shutdown is left in processing; the reaper requeues it once its
// heartbeat goes stale.
func (p *Pool) Process(ctx context.Context, workerID, jobID string) {
	log := p.log.With("worker_id", workerID).WithJobID(jobID)

	j, err := p.store.Claim(ctx, jobID, workerID)
	if err != nil {
		switch {
		case errors.IsNotFound(err):
			// Deleted between enqueue and claim; nothing to do.
			log.Debug("claim skipped, job gone")
		case errors.IsCode(err, errors.CodeInvalidTransition):
			log.Debug("claim lost, job not queued")
		default:
			log.Error("claim failed", "error", err.Error())
		}
		return
	}
	log.Info("job claimed", "attempt", j.Attempts)

	jobCtx := logger.ContextWithJobID(ctx, jobID)

	stopBeat := p.startHeartbeat(ctx, workerID, jobID)
	defer stopBeat()

	outcome := p.renderJob(jobCtx, log, j)
	if outcome == nil {
		// Shutdown mid-render; the claim stays in place for the reaper.
		log.Warn("render interrupted by shutdown, leaving claim for reaper")
		return
	}

	// Record the outcome even when the pool is shutting down. The claim
	// fence keeps a worker that stalled past the liveness timeout from
	// overwriting a re-claimed attempt.
	outcome.extra.ClaimedBy = workerID
	recCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.store.Transition(recCtx, jobID, outcome.status, outcome.extra); err != nil {
		if errors.IsCode(err, errors.CodeInvalidTransition) {
			// Claim lost or already terminal; the first writer wins.
			log.Warn("outcome dropped, claim no longer ours", "outcome", string(outcome.status))
			return
		}
		log.Error("outcome transition failed", "error", err.Error())
		return
	}

	if outcome.status == job.StatusCompleted {
		log.Info("job completed", "result_key", outcome.extra.ResultKey)
	} else {
		log.Info("job failed",
			"error_kind", string(outcome.extra.ErrorKind),
			"error", outcome.extra.ErrorText,
		)
	}
}

type result struct {
	status job.Status
	extra  jobstore.TransitionExtra
}

func failure(kind job.ErrorKind, err error) *result {
	return &result{
		status: job.StatusFailed,
		extra:  jobstore.TransitionExtra{ErrorKind: kind, ErrorText: err.Error()},
	}
}

// renderJob materializes assets, renders, and uploads the result. It
// returns nil only when the surrounding context was canceled, meaning no
// outcome should be recorded.
func (p *Pool) renderJob(ctx context.Context, log *logger.Logger, j job.Job) *result {
	dir, err := os.MkdirTemp(p.workDir, "job-*")
	if err != nil {
		return failure(job.ErrKindStorage, err)
	}
	defer os.RemoveAll(dir)

	sourcePath, imagePaths, err := p.materialize(ctx, dir, j)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return failure(job.ErrKindStorage, err)
	}

	outputPath := filepath.Join(dir, "result.mp4")
	renderCtx, cancel := context.WithTimeout(ctx, p.renderTO)
	defer cancel()

	start := time.Now()
	err = p.engine.Render(renderCtx, render.Input{
		SourcePath: sourcePath,
		OutputPath: outputPath,
		Info:       render.MediaInfo{DurationSec: j.DurationSec, Width: j.Width, Height: j.Height},
		Overlays:   j.Overlays,
		ImagePaths: imagePaths,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsCode(err, errors.CodeTimeout) {
			return failure(job.ErrKindRenderTimeout, err)
		}
		return failure(job.ErrKindDecode, err)
	}
	log.Debug("render finished", "duration_ms", time.Since(start).Milliseconds())

	resultKey, err := p.uploadResult(ctx, j.ID, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return failure(job.ErrKindStorage, err)
	}

	return &result{
		status: job.StatusCompleted,
		extra:  jobstore.TransitionExtra{ResultKey: resultKey},
	}
}

// localPather is implemented by providers whose objects live on this
// machine's filesystem; their files are read in place, never copied.
type localPather interface {
	LocalPath(objectKey string) string
}

// materialize resolves the job's source video and overlay images to
// local paths, copying them out of asset storage into the scratch dir
// unless the provider can hand out paths directly.
func (p *Pool) materialize(ctx context.Context, dir string, j job.Job) (string, map[string]string, error) {
	if lp, ok := p.sp.(localPather); ok {
		imagePaths := make(map[string]string, len(j.ImageKeys))
		for uri, key := range j.ImageKeys {
			imagePaths[uri] = lp.LocalPath(key)
		}
		if len(imagePaths) == 0 {
			imagePaths = nil
		}
		return lp.LocalPath(j.SourceKey), imagePaths, nil
	}

	sourcePath := filepath.Join(dir, "source"+filepath.Ext(j.SourceKey))
	if err := p.fetch(ctx, j.SourceKey, sourcePath); err != nil {
		return "", nil, fmt.Errorf("fetch source: %w", err)
	}

	var imagePaths map[string]string
	if len(j.ImageKeys) > 0 {
		imgDir := filepath.Join(dir, "images")
		if err := os.Mkdir(imgDir, 0o755); err != nil {
			return "", nil, err
		}
		imagePaths = make(map[string]string, len(j.ImageKeys))
		for uri, key := range j.ImageKeys {
			path := filepath.Join(imgDir, filepath.Base(uri))
			if err := p.fetch(ctx, key, path); err != nil {
				return "", nil, fmt.Errorf("fetch image %s: %w", uri, err)
			}
			imagePaths[uri] = path
		}
	}
	return sourcePath, imagePaths, nil
}

func (p *Pool) fetch(ctx context.Context, objectKey, path string) error {
	rc, _, _, err := p.sp.GetObject(ctx, objectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, rc)
	return err
}

func (p *Pool) uploadResult(ctx context.Context, jobID, outputPath string) (string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	out, err := p.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("jobs/%s/result.mp4", jobID),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", err
	}
	return out.ObjectKey, nil
}

// startHeartbeat stamps liveness on the claim until the returned stop
// function is called.
func (p *Pool) startHeartbeat(ctx context.Context, workerID, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Heartbeat(ctx, jobID, workerID); err != nil {
					// Lost the claim; the render itself will be fenced by
					// the terminal transition.
					p.log.WithJobID(jobID).Warn("heartbeat rejected", "error", err.Error())
					return
				}
			}
		}
	}()
	return stop
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
