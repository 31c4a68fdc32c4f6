package respond

import (
	"context"
	"time"
)

// Request carries a finalized transcript plus turn context into the
// responder backend.
type Request struct {
	SessionID   string
	TurnID      string
	Transcript  string
	System      string
	MaxTokens   int
	Temperature float64
}

// Delta is one streamed piece of the response text.
type Delta struct {
	Content string
}

// Result is the finalized responder output: spoken text and, when the
// backend recognizes one, a structured intent.
type Result struct {
	Text             string
	Intent           string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Responder defines a pluggable dialogue backend. emit may be called with
// incremental deltas before the final result when the backend streams; a
// non-nil error from emit aborts generation.
type Responder interface {
	Respond(ctx context.Context, req Request, emit func(Delta) error) (Result, error)
}
