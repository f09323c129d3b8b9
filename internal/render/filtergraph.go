package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"vidforge/internal/overlay"
)

// Input describes one render: a probed source, the overlay sequence and
// the local paths of any overlay images (each decoded once by ffmpeg and
// reused across frames).
type Input struct {
	SourcePath string
	OutputPath string
	Info       MediaInfo
	Overlays   []overlay.Overlay
	// ImagePaths maps overlay image URIs to files on disk.
	ImagePaths map[string]string
	// FontFile is the font used for text overlays; empty uses the
	// ffmpeg build default.
	FontFile string
}

const (
	textFontSize  = 24
	textFontColor = "white"
)

// BuildArgs produces the complete, deterministic ffmpeg argument list
// for an input. The same input always yields the same arguments, so the
// same source renders to frame-identical output.
//
// Each overlay becomes one filter stage gated by
// enable='between(t,start,end)'; stages are chained in sequence order so
// later overlays draw on top of earlier ones. Fractional positions are
// scaled to the probed frame dimensions here, in pixels, rather than
// left to ffmpeg expressions. Overlays reaching outside the frame are
// clipped by ffmpeg, not an error.
func BuildArgs(in Input) []string {
	args := []string{"-y", "-i", in.SourcePath}

	active := activeOverlays(in.Overlays, in.Info.DurationSec)
	if len(active) == 0 {
		// Nothing to composite: pass every frame through untouched.
		args = append(args, "-c", "copy", in.OutputPath)
		return args
	}

	// One input per distinct image, in first-use order.
	imageIndex := make(map[string]int)
	for _, ov := range active {
		if ov.Kind != overlay.KindImage {
			continue
		}
		if _, ok := imageIndex[ov.ImageURI]; ok {
			continue
		}
		imageIndex[ov.ImageURI] = 1 + len(imageIndex)
		args = append(args, "-i", in.ImagePaths[ov.ImageURI])
	}

	var stages []string
	cur := "[0:v]"
	for i, ov := range active {
		next := fmt.Sprintf("[v%d]", i+1)
		switch ov.Kind {
		case overlay.KindText:
			stages = append(stages, cur+drawtext(ov, in)+next)
		case overlay.KindImage:
			src := fmt.Sprintf("[%d:v]", imageIndex[ov.ImageURI])
			stages = append(stages, cur+src+overlayFilter(ov, in.Info)+next)
		}
		cur = next
	}

	args = append(args,
		"-filter_complex", strings.Join(stages, ";"),
		"-map", cur,
		"-map", "0:a?",
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		in.OutputPath,
	)
	return args
}

// activeOverlays drops overlays whose window starts at or beyond the
// probed duration; they could never appear in any frame.
func activeOverlays(ovs []overlay.Overlay, duration float64) []overlay.Overlay {
	out := make([]overlay.Overlay, 0, len(ovs))
	for _, ov := range ovs {
		if duration > 0 && ov.Start >= duration {
			continue
		}
		out = append(out, ov)
	}
	return out
}

func drawtext(ov overlay.Overlay, in Input) string {
	x, y := pixelPosition(ov.Position, in.Info)

	var b strings.Builder
	b.WriteString("drawtext=text='")
	b.WriteString(escapeText(ov.Text))
	b.WriteString("'")
	if in.FontFile != "" {
		fmt.Fprintf(&b, ":fontfile='%s'", in.FontFile)
	}
	fmt.Fprintf(&b, ":x=%d:y=%d:fontsize=%d:fontcolor=%s:enable='%s'",
		x, y, textFontSize, textFontColor, between(ov))
	return b.String()
}

func overlayFilter(ov overlay.Overlay, info MediaInfo) string {
	x, y := pixelPosition(ov.Position, info)
	return fmt.Sprintf("overlay=%d:%d:enable='%s'", x, y, between(ov))
}

// between gates a filter to the half-open window [start, end). ffmpeg's
// between() is inclusive on both ends, so the end is nudged below the
// boundary: a frame exactly at end_time must not show the overlay.
func between(ov overlay.Overlay) string {
	const epsilon = 1e-4
	end := ov.End - epsilon
	if end < ov.Start {
		end = ov.Start
	}
	return fmt.Sprintf("between(t,%s,%s)", formatSeconds(ov.Start), formatSeconds(end))
}

func pixelPosition(p overlay.Position, info MediaInfo) (int, int) {
	x := int(math.Round(p.X * float64(info.Width)))
	y := int(math.Round(p.Y * float64(info.Height)))
	return x, y
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeText makes a string safe inside a single-quoted drawtext value.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\'':
			// close the quote, emit an escaped quote, reopen
			b.WriteString(`'\''`)
		case '%':
			// drawtext expands %{...} sequences; doubled renders literally
			b.WriteString("%%")
		case '\\':
			b.WriteString(`\\`)
		case '\n', '\r':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
