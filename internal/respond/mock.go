package respond

import (
	"context"
	"strings"
	"time"
)

type mockResponder struct{}

func NewMockResponder() Responder { return &mockResponder{} }

// intentFor maps a handful of command phrasings to structured intents so
// a full local loop works without a model behind it.
func intentFor(transcript string) string {
	lowered := strings.ToLower(transcript)
	switch {
	case strings.Contains(lowered, "light"):
		if strings.Contains(lowered, "off") {
			return "lights.off"
		}
		return "lights.on"
	case strings.Contains(lowered, "timer"):
		return "timer.set"
	case strings.Contains(lowered, "time"):
		return "clock.read"
	default:
		return ""
	}
}

func (m *mockResponder) Respond(ctx context.Context, req Request, emit func(Delta) error) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	text := "[mock reply to " + strings.TrimSpace(req.Transcript) + "]"
	if emit != nil {
		if err := emit(Delta{Content: text}); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Text:    text,
		Intent:  intentFor(req.Transcript),
		Latency: 20 * time.Millisecond,
	}, nil
}
