package tts

import (
	"fmt"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/config"
)

// New builds a Synthesizer from config. Supported modes: exec, mock.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		chunkDur := time.Duration(cfg.ChunkDurationMS) * time.Millisecond
		if chunkDur <= 0 {
			chunkDur = 400 * time.Millisecond
		}
		return NewMockSynth(cfg.SampleRate, cfg.Channels, chunkDur), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
