package stt

import (
	"context"
	"errors"

	"github.com/hearthside-labs/hearth-core/internal/audio"
)

// ErrEmptyAudio reports a finalized utterance with no usable samples.
var ErrEmptyAudio = errors.New("no audio to transcribe")

// Result is the final recognizer output for one utterance.
type Result struct {
	Text       string
	Confidence float64
}

// Partial is an interim hypothesis emitted while audio is still arriving.
type Partial struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends. Implementations consume the frame
// stream until it closes or ctx is cancelled; emit may be called zero or
// more times with interim hypotheses before the final result. A nil emit
// disables partials.
type Transcriber interface {
	Transcribe(ctx context.Context, format audio.Format, frames <-chan audio.Frame, emit func(Partial)) (Result, error)
}
