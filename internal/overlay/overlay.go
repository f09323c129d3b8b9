// Package overlay defines the canonical representation of a timed,
// positioned overlay and the validation that turns client descriptors
// into normalized records.
package overlay

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"vidforge/internal/pkg/errors"
)

// Kind is the overlay type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Position is a frame-relative coordinate: fractions of the frame width
// and height, so overlays stay resolution-independent.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Descriptor is the raw wire form sent by the client in the `overlays`
// multipart field: a JSON array of these.
type Descriptor struct {
	ID        string   `json:"id"`
	Type      string   `json:"type" validate:"required,oneof=text image"`
	Content   string   `json:"content" validate:"required_if=Type text"`
	URI       string   `json:"uri" validate:"required_if=Type image"`
	Position  Position `json:"position"`
	StartTime float64  `json:"start_time" validate:"gte=0"`
	EndTime   float64  `json:"end_time" validate:"gtfield=StartTime"`
}

// Overlay is a validated, normalized overlay. Immutable once created;
// owned exclusively by its job. The visibility window is [Start, End).
type Overlay struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Text     string   `json:"text,omitempty"`
	ImageURI string   `json:"image_uri,omitempty"`
	Position Position `json:"position"`
	Start    float64  `json:"start"`
	End      float64  `json:"end"`
}

// ActiveAt reports whether the overlay is visible at timestamp t.
func (o Overlay) ActiveAt(t float64) bool {
	return o.Start <= t && t < o.End
}

var validate = validator.New()

// fieldNames maps struct field names back to their wire names for
// validation error messages.
var fieldNames = map[string]string{
	"Type":      "type",
	"Content":   "content",
	"URI":       "uri",
	"StartTime": "start_time",
	"EndTime":   "end_time",
}

// ParseAll decodes a JSON array of descriptors and validates each one.
// uploadedImages is the set of image filenames present in the same
// upload request; an image overlay referencing anything else is
// rejected. The returned error names the first failing field.
func ParseAll(raw []byte, uploadedImages map[string]bool) ([]Overlay, error) {
	var descs []Descriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidInput, "overlay.parse", "overlays is not a valid JSON array")
	}

	out := make([]Overlay, 0, len(descs))
	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		ov, err := Normalize(d, uploadedImages)
		if err != nil {
			return nil, errors.Wrap(err, "overlay.parse", fmt.Sprintf("overlay[%d] is invalid", i))
		}
		// Overlay ids are client-generated and only need to be unique
		// within the job; duplicates would break result echoing.
		if ov.ID != "" && seen[ov.ID] {
			return nil, errors.InvalidField("id", fmt.Sprintf("overlay[%d] duplicates id %q", i, ov.ID))
		}
		seen[ov.ID] = true
		out = append(out, ov)
	}
	return out, nil
}

// Normalize validates a single descriptor and produces the canonical
// overlay record. Positions outside [0,1] are clamped, matching the
// client's own drag clamping, rather than rejected.
func Normalize(d Descriptor, uploadedImages map[string]bool) (Overlay, error) {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Overlay{}, errors.InvalidField(wireField(verrs[0].Field()), describeFailure(verrs[0]))
		}
		return Overlay{}, errors.WrapWithCode(err, errors.CodeInvalidInput, "overlay.validate", "invalid overlay descriptor")
	}

	ov := Overlay{
		ID:       d.ID,
		Kind:     Kind(d.Type),
		Position: clamp(d.Position),
		Start:    d.StartTime,
		End:      d.EndTime,
	}

	switch ov.Kind {
	case KindText:
		ov.Text = d.Content
	case KindImage:
		if !uploadedImages[d.URI] {
			return Overlay{}, errors.InvalidField("uri", fmt.Sprintf("image %q was not uploaded in this request", d.URI))
		}
		ov.ImageURI = d.URI
	}

	return ov, nil
}

func clamp(p Position) Position {
	return Position{X: clamp01(p.X), Y: clamp01(p.Y)}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func wireField(structField string) string {
	if name, ok := fieldNames[structField]; ok {
		return name
	}
	return structField
}

func describeFailure(fe validator.FieldError) string {
	field := wireField(fe.Field())
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: text, image", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than start_time", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
