package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/mattn/go-shellwords"
)

type execResponder struct {
	cmd []string
	mu  sync.Mutex
}

type execResponse struct {
	Content          string `json:"content"`
	Intent           string `json:"intent,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecResponder(command string) (Responder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse responder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("responder command empty")
	}
	return &execResponder{cmd: args}, nil
}

func (g *execResponder) Respond(ctx context.Context, req Request, emit func(Delta) error) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := map[string]any{
		"transcript":  req.Transcript,
		"system":      req.System,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	base := g.cmd[0]
	args := append([]string{}, g.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("responder exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, fmt.Errorf("decode responder exec response: %w", err)
	}

	if emit != nil && resp.Content != "" {
		if err := emit(Delta{Content: resp.Content}); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Text:             resp.Content,
		Intent:           resp.Intent,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}

// New selects a responder backend from configuration.
func New(cfg config.ResponderConfig) (Responder, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaResponder(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecResponder(cfg.Command)
	default:
		return NewMockResponder(), nil
	}
}
