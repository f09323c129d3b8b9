package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
)

// Engine executes one render end to end. A render may run for seconds
// to minutes; it must honor context cancellation so the worker can
// reclaim its slot on timeout or job deletion.
type Engine interface {
	Render(ctx context.Context, in Input) error
}

// FFmpeg implements Engine by shelling out to the ffmpeg binary.
type FFmpeg struct {
	bin      string
	fontFile string
	log      *logger.Logger
}

// NewFFmpeg creates the engine. bin defaults to "ffmpeg"; fontFile is
// optional.
func NewFFmpeg(bin, fontFile string, log *logger.Logger) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &FFmpeg{bin: bin, fontFile: fontFile, log: log.WithComponent("render")}
}

func (f *FFmpeg) Render(ctx context.Context, in Input) error {
	in.FontFile = f.fontFile
	args := BuildArgs(in)

	f.log.Debug("starting ffmpeg",
		"source", in.SourcePath,
		"output", in.OutputPath,
		"overlays", len(in.Overlays),
	)
	start := time.Now()

	cmd := exec.CommandContext(ctx, f.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Timeout("render")
		}
		if ctx.Err() == context.Canceled {
			return errors.Wrap(ctx.Err(), "render.ffmpeg", "render canceled")
		}
		return errors.WrapWithCode(
			fmt.Errorf("ffmpeg exited: %w: %s", err, stderrTail(&stderr)),
			errors.CodeInvalidInput, "render.ffmpeg", "source video could not be decoded",
		)
	}

	f.log.Debug("ffmpeg finished", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
