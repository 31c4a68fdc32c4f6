package tts

import (
	"context"
	"time"
)

// mock speech pacing: one chunk per this many characters of text.
const mockCharsPerChunk = 40

type mockSynth struct {
	sampleRate int
	channels   int
	chunkDur   time.Duration
}

func NewMockSynth(sampleRate, channels int, chunkDur time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkDur: chunkDur}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		count := len(req.Text)/mockCharsPerChunk + 1
		samples := int(m.chunkDur.Milliseconds()) * m.sampleRate / 1000
		pcm := make([]byte, samples*m.channels*2)

		for seq := 0; seq < count; seq++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(5 * time.Millisecond):
			}
			chunk := Chunk{
				Seq:        seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      seq == count-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
