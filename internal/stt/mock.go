package stt

import (
	"context"
	"fmt"

	"github.com/hearthside-labs/hearth-core/internal/audio"
)

// partials are emitted every this many frames in mock mode.
const mockPartialEvery = 25

type mockTranscriber struct {
	publishInterim bool
}

func NewMockTranscriber(publishInterim bool) Transcriber {
	return &mockTranscriber{publishInterim: publishInterim}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, _ audio.Format, frames <-chan audio.Frame, emit func(Partial)) (Result, error) {
	var total int
	var count int
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				if total == 0 {
					return Result{}, ErrEmptyAudio
				}
				return Result{
					Text:       fmt.Sprintf("[final transcript length=%d]", total),
					Confidence: 1,
				}, nil
			}
			total += len(frame.PCM)
			count++
			if m.publishInterim && emit != nil && count%mockPartialEvery == 0 {
				emit(Partial{Text: fmt.Sprintf("[partial transcript length=%d]", total)})
			}
		}
	}
}
