package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Segmenter.MinFragmentLength != 10 || cfg.Segmenter.MaxFragmentLength != 100 {
		t.Fatalf("unexpected segmenter defaults: %+v", cfg.Segmenter)
	}
	if cfg.TTS.Concurrency != 1 || !cfg.TTS.Serialize {
		t.Fatalf("expected serialized single-flight synthesis by default, got %+v", cfg.TTS)
	}
	if cfg.LLM.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("expected default system prompt")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPEAKSTREAM_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SPEAKSTREAM_BUS_USERNAME", "alice")
	t.Setenv("SPEAKSTREAM_BUS_TLS_INSECURE", "true")
	t.Setenv("SPEAKSTREAM_LLM_MODE", "ollama")
	t.Setenv("SPEAKSTREAM_LLM_TEMPERATURE", "0.2")
	t.Setenv("SPEAKSTREAM_TTS_CONCURRENCY", "3")
	t.Setenv("SPEAKSTREAM_TTS_RETRY_ATTEMPTS", "2")
	t.Setenv("SPEAKSTREAM_TTS_RETRY_INTERVAL_MS", "75")
	t.Setenv("SPEAKSTREAM_SEGMENTER_MIN_FRAGMENT_LENGTH", "5")
	t.Setenv("SPEAKSTREAM_SEGMENTER_MAX_FRAGMENT_LENGTH", "80")
	t.Setenv("SPEAKSTREAM_STREAM_EVENT_QUEUE_SIZE", "16")
	t.Setenv("SPEAKSTREAM_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SPEAKSTREAM_ROUTER_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if cfg.TTS.Concurrency != 3 || cfg.TTS.RetryAttempts != 2 || cfg.TTS.RetryIntervalMS != 75 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.Segmenter.MinFragmentLength != 5 || cfg.Segmenter.MaxFragmentLength != 80 {
		t.Fatalf("expected segmenter overrides, got %+v", cfg.Segmenter)
	}
	if cfg.Stream.EventQueueSize != 16 {
		t.Fatalf("expected event queue override, got %d", cfg.Stream.EventQueueSize)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if !cfg.Router.Enabled {
		t.Fatalf("expected router enabled override")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speakstream.yaml")
	data := []byte(`runtime_name: test-runtime
segmenter:
  min_fragment_length: 4
  max_fragment_length: 40
  strong_markers: [". "]
  weak_markers: [", "]
tts:
  mode: exec
  command: "piper-wrapper --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if len(cfg.Segmenter.StrongMarkers) != 1 || cfg.Segmenter.StrongMarkers[0] != ". " {
		t.Fatalf("expected strong markers from file, got %q", cfg.Segmenter.StrongMarkers)
	}
	if cfg.TTS.SampleRate != 22050 {
		t.Fatalf("expected default sample rate to survive partial file, got %d", cfg.TTS.SampleRate)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"segmenter bounds": func(c *Config) { c.Segmenter.MaxFragmentLength = c.Segmenter.MinFragmentLength },
		"exec without cmd": func(c *Config) { c.TTS.Mode = "exec"; c.TTS.Command = "" },
		"unknown llm mode": func(c *Config) { c.LLM.Mode = "gpt" },
		"zero concurrency": func(c *Config) { c.TTS.Concurrency = 0 },
		"event queue":      func(c *Config) { c.Stream.EventQueueSize = 0 },
		"websocket path":   func(c *Config) { c.WebSocket.Path = "ws" },
		"log format":       func(c *Config) { c.Telemetry.LogFormat = "xml" },
		"sample ratio":     func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
		"retry interval":   func(c *Config) { c.TTS.RetryIntervalMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
