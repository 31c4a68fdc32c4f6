package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	TurnStore   TurnStoreConfig `yaml:"turn_store"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Listen      ListenConfig    `yaml:"listen"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	STT         STTConfig       `yaml:"stt"`
	Responder   ResponderConfig `yaml:"responder"`
	TTS         TTSConfig       `yaml:"tts"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type TurnStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// GatewayConfig controls the satellite-facing WebSocket endpoint.
type GatewayConfig struct {
	Path              string `yaml:"path"`
	MaxFrameBytes     int64  `yaml:"max_frame_bytes"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	PongTimeoutMS     int    `yaml:"pong_timeout_ms"`
	SendBufferFrames  int    `yaml:"send_buffer_frames"`
	IdleEvictionMS    int    `yaml:"idle_eviction_ms"`
	DefaultSampleRate int    `yaml:"default_sample_rate"`
	DefaultChannels   int    `yaml:"default_channels"`
	FrameDurationMS   int    `yaml:"frame_duration_ms"`
}

// ListenConfig bounds the capture phase of a turn.
type ListenConfig struct {
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
	MaxUtteranceMS   int `yaml:"max_utterance_ms"`
	BufferFrames     int `yaml:"buffer_frames"`
}

type SchedulerConfig struct {
	Capacity  int `yaml:"capacity"`
	QueueSize int `yaml:"queue_size"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	PublishInterim bool   `yaml:"publish_interim"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type ResponderConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "hearth-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		TurnStore: TurnStoreConfig{
			Path:          "./data/hearth-turns.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Gateway: GatewayConfig{
			Path:              "/satellite",
			MaxFrameBytes:     512 * 1024,
			WriteTimeoutMS:    10000,
			PongTimeoutMS:     60000,
			SendBufferFrames:  64,
			IdleEvictionMS:    300000,
			DefaultSampleRate: 16000,
			DefaultChannels:   1,
			FrameDurationMS:   20,
		},
		Listen: ListenConfig{
			SilenceTimeoutMS: 2000,
			MaxUtteranceMS:   15000,
			BufferFrames:     256,
		},
		Scheduler: SchedulerConfig{
			Capacity:  8,
			QueueSize: 16,
		},
		STT: STTConfig{
			Mode:           "mock",
			PublishInterim: true,
			TimeoutMS:      30000,
		},
		Responder: ResponderConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   30000,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			TimeoutMS:       30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "HEARTH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HEARTH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HEARTH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HEARTH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HEARTH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HEARTH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HEARTH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "HEARTH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "HEARTH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HEARTH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HEARTH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HEARTH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HEARTH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HEARTH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HEARTH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HEARTH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.TurnStore.Path, "HEARTH_TURN_STORE_PATH")
	overrideString(&cfg.TurnStore.RetentionMode, "HEARTH_TURN_STORE_RETENTION_MODE")
	overrideInt(&cfg.TurnStore.RetentionDays, "HEARTH_TURN_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TurnStore.MaxSessions, "HEARTH_TURN_STORE_MAX_SESSIONS")
	overrideBool(&cfg.TurnStore.VacuumOnStart, "HEARTH_TURN_STORE_VACUUM_ON_START")
	overrideString(&cfg.Gateway.Path, "HEARTH_GATEWAY_PATH")
	overrideInt64(&cfg.Gateway.MaxFrameBytes, "HEARTH_GATEWAY_MAX_FRAME_BYTES")
	overrideInt(&cfg.Gateway.WriteTimeoutMS, "HEARTH_GATEWAY_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.PongTimeoutMS, "HEARTH_GATEWAY_PONG_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.SendBufferFrames, "HEARTH_GATEWAY_SEND_BUFFER_FRAMES")
	overrideInt(&cfg.Gateway.IdleEvictionMS, "HEARTH_GATEWAY_IDLE_EVICTION_MS")
	overrideInt(&cfg.Gateway.DefaultSampleRate, "HEARTH_GATEWAY_DEFAULT_SAMPLE_RATE")
	overrideInt(&cfg.Gateway.DefaultChannels, "HEARTH_GATEWAY_DEFAULT_CHANNELS")
	overrideInt(&cfg.Gateway.FrameDurationMS, "HEARTH_GATEWAY_FRAME_DURATION_MS")
	overrideInt(&cfg.Listen.SilenceTimeoutMS, "HEARTH_LISTEN_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Listen.MaxUtteranceMS, "HEARTH_LISTEN_MAX_UTTERANCE_MS")
	overrideInt(&cfg.Listen.BufferFrames, "HEARTH_LISTEN_BUFFER_FRAMES")
	overrideInt(&cfg.Scheduler.Capacity, "HEARTH_SCHEDULER_CAPACITY")
	overrideInt(&cfg.Scheduler.QueueSize, "HEARTH_SCHEDULER_QUEUE_SIZE")
	overrideString(&cfg.STT.Mode, "HEARTH_STT_MODE")
	overrideString(&cfg.STT.Command, "HEARTH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "HEARTH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "HEARTH_STT_LANGUAGE")
	overrideBool(&cfg.STT.PublishInterim, "HEARTH_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "HEARTH_STT_TIMEOUT_MS")
	overrideString(&cfg.Responder.Mode, "HEARTH_RESPONDER_MODE")
	overrideString(&cfg.Responder.Endpoint, "HEARTH_RESPONDER_ENDPOINT")
	overrideString(&cfg.Responder.Command, "HEARTH_RESPONDER_COMMAND")
	overrideString(&cfg.Responder.Model, "HEARTH_RESPONDER_MODEL")
	overrideString(&cfg.Responder.System, "HEARTH_RESPONDER_SYSTEM")
	overrideInt(&cfg.Responder.MaxTokens, "HEARTH_RESPONDER_MAX_TOKENS")
	overrideFloat(&cfg.Responder.Temperature, "HEARTH_RESPONDER_TEMPERATURE")
	overrideInt(&cfg.Responder.TimeoutMS, "HEARTH_RESPONDER_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "HEARTH_TTS_MODE")
	overrideString(&cfg.TTS.Command, "HEARTH_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "HEARTH_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "HEARTH_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "HEARTH_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "HEARTH_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "HEARTH_TTS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.TurnStore.Path == "" {
		return errors.New("turn_store.path must not be empty")
	}
	switch cfg.TurnStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("turn_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TurnStore.RetentionDays < 0 {
		return errors.New("turn_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Gateway.MaxFrameBytes <= 0 {
		return errors.New("gateway.max_frame_bytes must be positive")
	}
	if cfg.Gateway.DefaultSampleRate <= 0 {
		return errors.New("gateway.default_sample_rate must be positive")
	}
	if cfg.Gateway.DefaultChannels <= 0 {
		return errors.New("gateway.default_channels must be positive")
	}
	if cfg.Gateway.FrameDurationMS <= 0 {
		return errors.New("gateway.frame_duration_ms must be positive")
	}
	if cfg.Gateway.IdleEvictionMS <= 0 {
		return errors.New("gateway.idle_eviction_ms must be positive")
	}
	if cfg.Listen.SilenceTimeoutMS <= 0 {
		return errors.New("listen.silence_timeout_ms must be positive")
	}
	if cfg.Listen.MaxUtteranceMS <= cfg.Listen.SilenceTimeoutMS {
		return errors.New("listen.max_utterance_ms must be greater than silence timeout")
	}
	if cfg.Listen.BufferFrames <= 0 {
		return errors.New("listen.buffer_frames must be >= 1")
	}
	if cfg.Scheduler.Capacity <= 0 {
		return errors.New("scheduler.capacity must be >= 1")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return errors.New("scheduler.queue_size must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	switch cfg.Responder.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("responder.mode must be one of mock|ollama|exec")
	}
	if cfg.Responder.Mode == "ollama" && cfg.Responder.Endpoint == "" {
		return errors.New("responder.endpoint must be set when mode=ollama")
	}
	if cfg.Responder.Mode == "exec" && cfg.Responder.Command == "" {
		return errors.New("responder.command must be set when mode=exec")
	}
	if cfg.Responder.MaxTokens < 0 {
		return errors.New("responder.max_tokens must be >= 0")
	}
	if cfg.Responder.TimeoutMS <= 0 {
		return errors.New("responder.timeout_ms must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.ChunkDurationMS <= 0 {
		return errors.New("tts.chunk_duration_ms must be positive")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	return nil
}
