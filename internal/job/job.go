// Package job defines the render job record and its lifecycle states.
package job

import (
	"time"

	"vidforge/internal/overlay"
)

// Status is the job lifecycle state. Transitions are monotonic through
// queued -> processing -> (completed | failed); a terminal job never
// transitions again. processing -> queued is the one internal exception,
// used by the reaper to requeue jobs whose worker died.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed enumerates the legal transitions.
var allowed = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusQueued},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies asynchronous render failures surfaced on the job
// record. These never escape as process errors.
type ErrorKind string

const (
	ErrKindDecode        ErrorKind = "DecodeError"
	ErrKindRenderTimeout ErrorKind = "RenderTimeout"
	ErrKindWorkerCrash   ErrorKind = "WorkerCrash"
	ErrKindStorage       ErrorKind = "StorageFailure"
)

// Job is one rendering request and its lifecycle record. Owned
// exclusively by the job store; workers hold only a transient claim.
type Job struct {
	ID       string            `json:"id"`
	Status   Status            `json:"status"`
	Overlays []overlay.Overlay `json:"overlays"`

	// SourceKey and ResultKey are asset storage object keys. ResultKey is
	// set exactly once, on completion.
	SourceKey string `json:"source_key"`
	ResultKey string `json:"result_key,omitempty"`

	// Probed media properties of the source; never trusted from client
	// metadata.
	DurationSec float64 `json:"duration_sec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`

	// ImageKeys maps overlay image URIs to their storage object keys.
	ImageKeys map[string]string `json:"image_keys,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`

	// Attempts counts claims; the reaper fails the job once it exceeds
	// the configured retry limit.
	Attempts  int    `json:"attempts"`
	ClaimedBy string `json:"claimed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}
