// Package turn drives one complete listen, think, speak cycle for a
// session: audio accumulation, transcription, response generation, and
// synthesis streamed back to the satellite.
package turn

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a Turn.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// FailureKind classifies the stage that terminated a failed turn.
type FailureKind string

const (
	FailureTranscription FailureKind = "transcription"
	FailureResponder     FailureKind = "responder"
	FailureSynthesis     FailureKind = "synthesis"
	FailureTimeout       FailureKind = "timeout"
)

// ErrSessionBusy reports that admission control rejected a new turn because
// the scheduler's run slots and wait queue are both full. Transient: the
// caller should re-trigger later.
var ErrSessionBusy = errors.New("no capacity for a new turn")

// ErrSequence reports an out-of-order or duplicate audio frame. The frame
// is discarded; the assembled stream is untouched.
var ErrSequence = errors.New("audio frame out of sequence")

// ErrBufferOverrun reports that the input buffer was full and the oldest
// unconsumed frames were dropped to make room. The turn continues with a
// gap; late live audio cannot be retried.
var ErrBufferOverrun = errors.New("audio input buffer overrun")

// StageFailure wraps an error from a pipeline stage with its kind so
// terminal records carry the failing stage.
type StageFailure struct {
	Kind FailureKind
	Err  error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s stage failed: %v", f.Kind, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// Turn is one listen-to-speak cycle. Seq is the per-session ordinal, not
// shared across sessions.
type Turn struct {
	ID        string
	SessionID string
	DeviceID  string
	Seq       uint64

	Status      Status
	FailureKind FailureKind

	Transcript   string
	ResponseText string
	Intent       string

	StartedAt      time.Time
	TranscribingAt time.Time
	RespondingAt   time.Time
	SpeakingAt     time.Time
	EndedAt        time.Time
}

// Terminal reports whether the turn reached a final status.
func (t *Turn) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}
