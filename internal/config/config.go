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
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Stream      StreamConfig     `yaml:"stream"`
	WebSocket   WebSocketConfig  `yaml:"websocket"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, http
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	Concurrency     int    `yaml:"concurrency"`
	Serialize       bool   `yaml:"serialize"`
	RetryAttempts   int    `yaml:"retry_attempts"`
	RetryIntervalMS int    `yaml:"retry_interval_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type SegmenterConfig struct {
	MinFragmentLength int      `yaml:"min_fragment_length"`
	MaxFragmentLength int      `yaml:"max_fragment_length"`
	StrongMarkers     []string `yaml:"strong_markers"`
	WeakMarkers       []string `yaml:"weak_markers"`
}

type StreamConfig struct {
	EventQueueSize    int `yaml:"event_queue_size"`
	FragmentQueueSize int `yaml:"fragment_queue_size"`
	MaxInputLength    int `yaml:"max_input_length"`
	TurnTimeoutMS     int `yaml:"turn_timeout_ms"`
	TerminalTimeoutMS int `yaml:"terminal_timeout_ms"`
}

type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	ReadLimit      int64  `yaml:"read_limit"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	PongWaitMS     int    `yaml:"pong_wait_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	OutboundQueue  int    `yaml:"outbound_queue"`
	InboundQueue   int    `yaml:"inbound_queue"`
}

type RouterConfig struct {
	Enabled             bool   `yaml:"enabled"`
	RequestSubject      string `yaml:"request_subject"`
	EventSubjectPrefix  string `yaml:"event_subject_prefix"`
	CancelSubjectPrefix string `yaml:"cancel_subject_prefix"`
	MaxConcurrentTurns  int    `yaml:"max_concurrent_turns"`
}

// DefaultSystemPrompt is used when llm.system_prompt is not set.
const DefaultSystemPrompt = "You are a helpful, friendly, and knowledgeable AI assistant. Provide clear, concise, and accurate responses."

func Default() Config {
	return Config{
		RuntimeName: "speakstream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speakstream-turns.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			SystemPrompt:  DefaultSystemPrompt,
			MaxTokens:     150,
			Temperature:   0.7,
			TopP:          0.9,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Endpoint:        "http://localhost:7071/tts",
			SampleRate:      22050,
			Channels:        1,
			Concurrency:     1,
			Serialize:       true,
			RetryIntervalMS: 200,
			TimeoutMS:       45000,
		},
		Segmenter: SegmenterConfig{
			MinFragmentLength: 10,
			MaxFragmentLength: 100,
			StrongMarkers:     []string{". ", "! ", "? ", ".\n", "!\n", "?\n"},
			WeakMarkers:       []string{", ", "; ", " - ", " — ", ": ", " and ", " but ", " or "},
		},
		Stream: StreamConfig{
			EventQueueSize:    64,
			FragmentQueueSize: 8,
			MaxInputLength:    4000,
			TurnTimeoutMS:     120000,
			TerminalTimeoutMS: 5000,
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			ReadLimit:      64 * 1024,
			PingIntervalMS: 50000,
			PongWaitMS:     60000,
			WriteTimeoutMS: 10000,
			OutboundQueue:  64,
			InboundQueue:   4,
		},
		Router: RouterConfig{
			Enabled:             false,
			RequestSubject:      "speak.turn.request",
			EventSubjectPrefix:  "speak.turn.events",
			CancelSubjectPrefix: "speak.turn.cancel",
			MaxConcurrentTurns:  4,
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEAKSTREAM_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEAKSTREAM_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEAKSTREAM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEAKSTREAM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEAKSTREAM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SPEAKSTREAM_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEAKSTREAM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEAKSTREAM_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEAKSTREAM_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SPEAKSTREAM_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "SPEAKSTREAM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEAKSTREAM_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEAKSTREAM_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEAKSTREAM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEAKSTREAM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEAKSTREAM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEAKSTREAM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEAKSTREAM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEAKSTREAM_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEAKSTREAM_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEAKSTREAM_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEAKSTREAM_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEAKSTREAM_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEAKSTREAM_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "SPEAKSTREAM_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SPEAKSTREAM_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "SPEAKSTREAM_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "SPEAKSTREAM_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "SPEAKSTREAM_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "SPEAKSTREAM_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "SPEAKSTREAM_LLM_DEFAULT_TIER")
	overrideString(&cfg.LLM.SystemPrompt, "SPEAKSTREAM_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "SPEAKSTREAM_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SPEAKSTREAM_LLM_TEMPERATURE")
	overrideFloat(&cfg.LLM.TopP, "SPEAKSTREAM_LLM_TOP_P")
	overrideString(&cfg.TTS.Mode, "SPEAKSTREAM_TTS_MODE")
	overrideString(&cfg.TTS.Command, "SPEAKSTREAM_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "SPEAKSTREAM_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Voice, "SPEAKSTREAM_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "SPEAKSTREAM_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "SPEAKSTREAM_TTS_CHANNELS")
	overrideInt(&cfg.TTS.Concurrency, "SPEAKSTREAM_TTS_CONCURRENCY")
	overrideBool(&cfg.TTS.Serialize, "SPEAKSTREAM_TTS_SERIALIZE")
	overrideInt(&cfg.TTS.RetryAttempts, "SPEAKSTREAM_TTS_RETRY_ATTEMPTS")
	overrideInt(&cfg.TTS.RetryIntervalMS, "SPEAKSTREAM_TTS_RETRY_INTERVAL_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "SPEAKSTREAM_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Segmenter.MinFragmentLength, "SPEAKSTREAM_SEGMENTER_MIN_FRAGMENT_LENGTH")
	overrideInt(&cfg.Segmenter.MaxFragmentLength, "SPEAKSTREAM_SEGMENTER_MAX_FRAGMENT_LENGTH")
	overrideInt(&cfg.Stream.EventQueueSize, "SPEAKSTREAM_STREAM_EVENT_QUEUE_SIZE")
	overrideInt(&cfg.Stream.FragmentQueueSize, "SPEAKSTREAM_STREAM_FRAGMENT_QUEUE_SIZE")
	overrideInt(&cfg.Stream.MaxInputLength, "SPEAKSTREAM_STREAM_MAX_INPUT_LENGTH")
	overrideInt(&cfg.Stream.TurnTimeoutMS, "SPEAKSTREAM_STREAM_TURN_TIMEOUT_MS")
	overrideInt(&cfg.Stream.TerminalTimeoutMS, "SPEAKSTREAM_STREAM_TERMINAL_TIMEOUT_MS")
	overrideBool(&cfg.WebSocket.Enabled, "SPEAKSTREAM_WEBSOCKET_ENABLED")
	overrideString(&cfg.WebSocket.Path, "SPEAKSTREAM_WEBSOCKET_PATH")
	overrideInt(&cfg.WebSocket.PingIntervalMS, "SPEAKSTREAM_WEBSOCKET_PING_INTERVAL_MS")
	overrideInt(&cfg.WebSocket.PongWaitMS, "SPEAKSTREAM_WEBSOCKET_PONG_WAIT_MS")
	overrideInt(&cfg.WebSocket.WriteTimeoutMS, "SPEAKSTREAM_WEBSOCKET_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.WebSocket.OutboundQueue, "SPEAKSTREAM_WEBSOCKET_OUTBOUND_QUEUE")
	overrideBool(&cfg.Router.Enabled, "SPEAKSTREAM_ROUTER_ENABLED")
	overrideString(&cfg.Router.RequestSubject, "SPEAKSTREAM_ROUTER_REQUEST_SUBJECT")
	overrideString(&cfg.Router.EventSubjectPrefix, "SPEAKSTREAM_ROUTER_EVENT_SUBJECT_PREFIX")
	overrideString(&cfg.Router.CancelSubjectPrefix, "SPEAKSTREAM_ROUTER_CANCEL_SUBJECT_PREFIX")
	overrideInt(&cfg.Router.MaxConcurrentTurns, "SPEAKSTREAM_ROUTER_MAX_CONCURRENT_TURNS")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Router.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Router.RequestSubject == "" {
			return errors.New("router.request_subject must not be empty")
		}
		if cfg.Router.EventSubjectPrefix == "" {
			return errors.New("router.event_subject_prefix must not be empty")
		}
		if cfg.Router.MaxConcurrentTurns <= 0 {
			return errors.New("router.max_concurrent_turns must be >= 1")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "openai", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec")
	}
	if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("tts.mode must be one of mock|exec|http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Concurrency <= 0 {
		return errors.New("tts.concurrency must be >= 1")
	}
	if cfg.TTS.RetryAttempts < 0 {
		return errors.New("tts.retry_attempts must be >= 0")
	}
	if cfg.TTS.RetryIntervalMS < 0 {
		return errors.New("tts.retry_interval_ms must be >= 0")
	}
	if cfg.Segmenter.MinFragmentLength <= 0 {
		return errors.New("segmenter.min_fragment_length must be positive")
	}
	if cfg.Segmenter.MaxFragmentLength <= cfg.Segmenter.MinFragmentLength {
		return errors.New("segmenter.max_fragment_length must be greater than min_fragment_length")
	}
	if len(cfg.Segmenter.StrongMarkers) == 0 {
		return errors.New("segmenter.strong_markers must not be empty")
	}
	if cfg.Stream.EventQueueSize <= 0 {
		return errors.New("stream.event_queue_size must be >= 1")
	}
	if cfg.Stream.FragmentQueueSize <= 0 {
		return errors.New("stream.fragment_queue_size must be >= 1")
	}
	if cfg.Stream.MaxInputLength < 0 {
		return errors.New("stream.max_input_length must be >= 0")
	}
	if cfg.Stream.TurnTimeoutMS < 0 {
		return errors.New("stream.turn_timeout_ms must be >= 0")
	}
	if cfg.WebSocket.Enabled {
		if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
			return errors.New("websocket.path must start with /")
		}
		if cfg.WebSocket.PongWaitMS <= cfg.WebSocket.PingIntervalMS {
			return errors.New("websocket.pong_wait_ms must be greater than ping interval")
		}
		if cfg.WebSocket.OutboundQueue <= 0 || cfg.WebSocket.InboundQueue <= 0 {
			return errors.New("websocket queues must be >= 1")
		}
	}
	return nil
}
