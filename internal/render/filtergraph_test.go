package render

import (
	"reflect"
	"strings"
	"testing"

	"vidforge/internal/overlay"
)

func baseInput() Input {
	return Input{
		SourcePath: "/work/j1/source.mp4",
		OutputPath: "/work/j1/result.mp4",
		Info:       MediaInfo{DurationSec: 10, Width: 1280, Height: 720},
	}
}

func filterOf(t *testing.T, args []string) string {
	t.Helper()
	for i, a := range args {
		if a == "-filter_complex" && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("no -filter_complex in %v", args)
	return ""
}

func TestNoOverlaysPassthrough(t *testing.T) {
	args := BuildArgs(baseInput())

	want := []string{"-y", "-i", "/work/j1/source.mp4", "-c", "copy", "/work/j1/result.mp4"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args=%v, want %v", args, want)
	}
}

func TestTextOverlayStage(t *testing.T) {
	in := baseInput()
	in.Overlays = []overlay.Overlay{{
		ID:       "a",
		Kind:     overlay.KindText,
		Text:     "Hello",
		Position: overlay.Position{X: 0.5, Y: 0.5},
		Start:    2,
		End:      4,
	}}

	filter := filterOf(t, BuildArgs(in))

	if !strings.Contains(filter, "drawtext=text='Hello'") {
		t.Errorf("missing drawtext: %s", filter)
	}
	// fractional position scaled to probed pixels
	if !strings.Contains(filter, ":x=640:y=360:") {
		t.Errorf("position not scaled to frame: %s", filter)
	}
	// window gated, half-open: end nudged below 4.0
	if !strings.Contains(filter, "between(t,2,3.9999)") {
		t.Errorf("window gate wrong: %s", filter)
	}
	if !strings.Contains(filter, "fontsize=24") || !strings.Contains(filter, "fontcolor=white") {
		t.Errorf("text styling missing: %s", filter)
	}
}

func TestImageOverlayStage(t *testing.T) {
	in := baseInput()
	in.Overlays = []overlay.Overlay{{
		ID:       "img",
		Kind:     overlay.KindImage,
		ImageURI: "logo.png",
		Position: overlay.Position{X: 0, Y: 1},
		Start:    0,
		End:      5,
	}}
	in.ImagePaths = map[string]string{"logo.png": "/work/j1/images/logo.png"}

	args := BuildArgs(in)

	// the image becomes a second ffmpeg input
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-i /work/j1/images/logo.png") {
		t.Errorf("image input missing: %v", args)
	}

	filter := filterOf(t, args)
	if !strings.Contains(filter, "[0:v][1:v]overlay=0:720:") {
		t.Errorf("overlay stage wrong: %s", filter)
	}
}

func TestImageDecodedOnce(t *testing.T) {
	in := baseInput()
	in.Overlays = []overlay.Overlay{
		{Kind: overlay.KindImage, ImageURI: "logo.png", Start: 0, End: 2},
		{Kind: overlay.KindImage, ImageURI: "logo.png", Start: 5, End: 7},
	}
	in.ImagePaths = map[string]string{"logo.png": "/img/logo.png"}

	args := BuildArgs(in)

	count := 0
	for _, a := range args {
		if a == "/img/logo.png" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("image added as input %d times, want 1 (decode once, reuse across frames)", count)
	}

	filter := filterOf(t, args)
	// both stages reference the same input stream
	if strings.Count(filter, "[1:v]overlay") != 2 {
		t.Errorf("both stages should reuse [1:v]: %s", filter)
	}
}

func TestSequenceOrderIsZOrder(t *testing.T) {
	in := baseInput()
	in.Overlays = []overlay.Overlay{
		{Kind: overlay.KindText, Text: "under", Start: 0, End: 5},
		{Kind: overlay.KindText, Text: "over", Start: 0, End: 5},
	}

	filter := filterOf(t, BuildArgs(in))

	under := strings.Index(filter, "text='under'")
	over := strings.Index(filter, "text='over'")
	if under < 0 || over < 0 || under > over {
		t.Fatalf("later overlay must be drawn after (on top of) earlier: %s", filter)
	}

	// chain must flow [0:v] -> [v1] -> [v2]
	if !strings.Contains(filter, "[0:v]drawtext") || !strings.Contains(filter, "[v1];[v1]drawtext") {
		t.Errorf("stages not chained in order: %s", filter)
	}
}

func TestOverlayBeyondDurationDropped(t *testing.T) {
	in := baseInput()
	in.Info.DurationSec = 10
	in.Overlays = []overlay.Overlay{
		{Kind: overlay.KindText, Text: "visible", Start: 8, End: 20},
		{Kind: overlay.KindText, Text: "never", Start: 12, End: 15},
	}

	filter := filterOf(t, BuildArgs(in))

	if !strings.Contains(filter, "text='visible'") {
		t.Errorf("overlay overlapping the tail must be kept: %s", filter)
	}
	if strings.Contains(filter, "text='never'") {
		t.Errorf("overlay past the probed duration must be dropped: %s", filter)
	}
}

func TestDeterministicArgs(t *testing.T) {
	in := baseInput()
	in.Overlays = []overlay.Overlay{
		{Kind: overlay.KindText, Text: "a", Position: overlay.Position{X: 0.25, Y: 0.75}, Start: 1.5, End: 3},
		{Kind: overlay.KindImage, ImageURI: "s.png", Position: overlay.Position{X: 0.9, Y: 0.1}, Start: 0, End: 9.5},
	}
	in.ImagePaths = map[string]string{"s.png": "/img/s.png"}

	first := BuildArgs(in)
	for i := 0; i < 10; i++ {
		if got := BuildArgs(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("args differ across builds:\n%v\n%v", first, got)
		}
	}
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"it's", `it'\''s`},
		{`back\slash`, `back\\slash`},
		{"multi\nline", "multi line"},
		{"100% done", "100%% done"},
		// expansion sequences must render as text, never be substituted
		{"%{localtime}", "%%{localtime}"},
		{"%{pts}", "%%{pts}"},
	}

	for _, tt := range tests {
		if got := escapeText(tt.in); got != tt.want {
			t.Errorf("escapeText(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPixelPositionClampedInputStaysInFrame(t *testing.T) {
	info := MediaInfo{Width: 1920, Height: 1080}

	x, y := pixelPosition(overlay.Position{X: 1, Y: 1}, info)
	if x != 1920 || y != 1080 {
		t.Errorf("got (%d,%d), want (1920,1080)", x, y)
	}

	x, y = pixelPosition(overlay.Position{X: 0, Y: 0}, info)
	if x != 0 || y != 0 {
		t.Errorf("got (%d,%d), want (0,0)", x, y)
	}
}
