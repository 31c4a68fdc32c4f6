package tts

import "context"

// Request contains parameters to synthesize speech for one turn.
type Request struct {
	SessionID string
	TurnID    string
	Text      string
	Voice     string
}

// Chunk is one piece of synthesized PCM.
type Chunk struct {
	Seq        int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations close
// both channels when done and stop producing within one chunk of ctx being
// cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
