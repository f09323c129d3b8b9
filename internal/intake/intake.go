// Package intake accepts a video plus overlay descriptors, validates
// everything at the boundary, and creates the render job. Either a
// fully valid job is created, or nothing is: no durable state survives
// a rejected submission.
package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"vidforge/internal/job"
	"vidforge/internal/jobstore"
	"vidforge/internal/overlay"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/queue"
	"vidforge/internal/render"
)

// Deps are the intake service dependencies.
type Deps struct {
	Store  jobstore.Store
	Queue  queue.Queue
	SP     ports.StorageProvider
	Prober render.Prober
	Log    *logger.Logger

	// WorkDir holds the temp file used for probing before the video is
	// committed to asset storage.
	WorkDir string
	// MaxQueueDepth mirrors the queue's cap for an early reject before
	// any bytes are persisted. <= 0 skips the pre-flight check.
	MaxQueueDepth int64
}

// Service implements the submit operation.
type Service struct {
	store    jobstore.Store
	queue    queue.Queue
	sp       ports.StorageProvider
	prober   render.Prober
	log      *logger.Logger
	workDir  string
	maxDepth int64
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Service{
		store:    d.Store,
		queue:    d.Queue,
		sp:       d.SP,
		prober:   d.Prober,
		log:      log.WithComponent("intake"),
		workDir:  d.WorkDir,
		maxDepth: d.MaxQueueDepth,
	}
}

// Upload is one submission: the video stream, the raw overlays JSON and
// any image files that arrived in the same multipart request, keyed by
// filename.
type Upload struct {
	Video        io.Reader
	VideoName    string
	OverlaysJSON []byte
	Images       map[string]io.Reader
}

// Submit validates the upload, persists its assets, creates the job in
// status queued and enqueues it. Returns the new job id.
func (s *Service) Submit(ctx context.Context, up Upload) (string, error) {
	if up.Video == nil {
		return "", errors.InvalidField("video", "video file is required")
	}

	uploaded := make(map[string]bool, len(up.Images))
	for name := range up.Images {
		uploaded[name] = true
	}

	overlays, err := overlay.ParseAll(up.OverlaysJSON, uploaded)
	if err != nil {
		return "", err
	}

	// Reject early when the queue is already saturated; nothing has been
	// persisted yet.
	if s.maxDepth > 0 {
		depth, derr := s.queue.Depth(ctx)
		if derr != nil {
			return "", errors.Wrap(derr, "intake.submit", "queue depth check failed")
		}
		if depth >= s.maxDepth {
			return "", errors.QueueFull(depth)
		}
	}

	// Spool the video to disk so it can be probed; the container is
	// verified from the bytes, never from filename or MIME type.
	tmpPath, size, err := s.spool(up.Video)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	if size == 0 {
		return "", errors.InvalidField("video", "video file is empty")
	}

	info, err := s.prober.Probe(ctx, tmpPath)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeInvalidInput, "intake.probe", "unsupported or corrupt video")
	}

	jobID := uuid.NewString()
	log := s.log.WithJobID(jobID)

	var written []string
	compensate := func() {
		for _, key := range written {
			if derr := s.sp.DeleteObject(ctx, key); derr != nil {
				log.Warn("compensation delete failed", "object_key", key, "error", derr.Error())
			}
		}
	}

	sourceKey, err := s.putVideo(ctx, jobID, tmpPath, up.VideoName, size)
	if err != nil {
		return "", err
	}
	written = append(written, sourceKey)

	imageKeys, err := s.putImages(ctx, jobID, overlays, up.Images, &written)
	if err != nil {
		compensate()
		return "", err
	}

	j := &job.Job{
		ID:          jobID,
		Status:      job.StatusQueued,
		Overlays:    overlays,
		SourceKey:   sourceKey,
		DurationSec: info.DurationSec,
		Width:       info.Width,
		Height:      info.Height,
		ImageKeys:   imageKeys,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.Create(ctx, j); err != nil {
		compensate()
		return "", errors.Wrap(err, "intake.submit", "job create failed")
	}

	if err := s.queue.Push(ctx, jobID); err != nil {
		// Undo everything: a submission the queue refused must leave no
		// job behind.
		if derr := s.store.Delete(ctx, jobID); derr != nil {
			log.Warn("compensation job delete failed", "error", derr.Error())
		}
		compensate()
		return "", err
	}

	log.Info("job submitted",
		"overlays", len(overlays),
		"duration_sec", info.DurationSec,
		"dimensions", fmt.Sprintf("%dx%d", info.Width, info.Height),
	)
	return jobID, nil
}

func (s *Service) spool(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.workDir, "upload-*.video")
	if err != nil {
		return "", 0, errors.StorageFailure(err, "intake.spool")
	}
	defer tmp.Close()

	n, err := io.Copy(tmp, r)
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, errors.StorageFailure(err, "intake.spool")
	}
	return tmp.Name(), n, nil
}

func (s *Service) putVideo(ctx context.Context, jobID, tmpPath, name string, size int64) (string, error) {
	f, err := os.Open(tmpPath)
	if err != nil {
		return "", errors.StorageFailure(err, "intake.put_video")
	}
	defer f.Close()

	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".mp4"
	}

	out, err := s.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("jobs/%s/source%s", jobID, ext),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        size,
	})
	if err != nil {
		return "", errors.StorageFailure(err, "intake.put_video")
	}
	return out.ObjectKey, nil
}

// putImages persists the image assets actually referenced by overlays;
// unreferenced extras in the request are ignored.
func (s *Service) putImages(ctx context.Context, jobID string, overlays []overlay.Overlay, images map[string]io.Reader, written *[]string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, ov := range overlays {
		if ov.Kind != overlay.KindImage {
			continue
		}
		if _, done := keys[ov.ImageURI]; done {
			continue
		}

		out, err := s.sp.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   fmt.Sprintf("jobs/%s/images/%s", jobID, filepath.Base(ov.ImageURI)),
			ContentType: "application/octet-stream",
			Reader:      images[ov.ImageURI],
		})
		if err != nil {
			return nil, errors.StorageFailure(err, "intake.put_image")
		}
		keys[ov.ImageURI] = out.ObjectKey
		*written = append(*written, out.ObjectKey)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}
