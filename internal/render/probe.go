// Package render is the compositing engine: it probes source media and
// burns timed overlays into an output video via ffmpeg.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// MediaInfo holds the probed properties of a video. Client metadata is
// never trusted; these values come from the container itself.
type MediaInfo struct {
	DurationSec float64
	Width       int
	Height      int
}

// Prober probes a video file on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

// FFprobe implements Prober by shelling out to ffprobe.
type FFprobe struct {
	bin string
}

// NewFFprobe creates a prober using the given ffprobe binary ("ffprobe"
// if empty).
func NewFFprobe(bin string) *FFprobe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFprobe{bin: bin}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (p *FFprobe) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, stderrTail(&stderr))
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe output unparseable: %w", err)
	}

	info := MediaInfo{}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("ffprobe duration %q unparseable: %w", out.Format.Duration, err)
		}
		info.DurationSec = d
	}

	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}

	if info.Width <= 0 || info.Height <= 0 {
		return MediaInfo{}, fmt.Errorf("no decodable video stream in %s", path)
	}
	return info, nil
}

// stderrTail returns the last part of a command's stderr, enough to
// diagnose without dumping the whole transcript into job records.
func stderrTail(buf *bytes.Buffer) string {
	const max = 512
	s := buf.String()
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
