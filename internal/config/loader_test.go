package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/marionette/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: warn
  max_body_bytes: 1048576
  shutdown_timeout: 5s
  allowed_origins: ["studio.example.com"]
providers:
  llm:
    name: ollama
    base_url: http://localhost:11434
    model: llama3.1
    options:
      keep_alive: 5m
planner:
  max_params: 150
  max_output_tokens: 3000
  temperature: 0.3
  timeout: 12s
  default_fps: 30
  affect_fuzzy_threshold: 0
fallback:
  breath_param: PARAM_BREATH
  eye_left_param: PARAM_EYE_L_OPEN
  eye_right_param: PARAM_EYE_R_OPEN
  head_yaw_param: PARAM_ANGLE_Y
  nod_value: 2.5
  max_duration: 2m
resilience:
  circuit_breaker:
    max_failures: 3
    reset_timeout: 1m
    half_open_max: 2
journal:
  path: /tmp/plans.jsonl
observe:
  service_name: marionette-test
  metrics_path: /internal/metrics
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogWarn || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Name != "ollama" || cfg.Providers.LLM.Options["keep_alive"] != "5m" {
		t.Errorf("providers.llm = %+v", cfg.Providers.LLM)
	}
	if cfg.Planner.Timeout != 12*time.Second || cfg.Planner.DefaultFPS != 30 || cfg.Planner.FuzzyThreshold() != 0 {
		t.Errorf("planner = %+v", cfg.Planner)
	}
	if cfg.Fallback.HeadYawParam != "PARAM_ANGLE_Y" || *cfg.Fallback.NodValue != 2.5 || cfg.Fallback.MaxDuration != 2*time.Minute {
		t.Errorf("fallback = %+v", cfg.Fallback)
	}
	if cfg.Resilience.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("circuit_breaker = %+v", cfg.Resilience.CircuitBreaker)
	}
	if cfg.Observe.MetricsPath != "/internal/metrics" {
		t.Errorf("observe = %+v", cfg.Observe)
	}
}

func TestLoadFromReader_EmptyDocumentUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Planner.MaxParams != config.DefaultMaxParams {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("planner:\n  max_parms: 10\n"))
	if err == nil || !strings.Contains(err.Error(), "max_parms") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"negative body", "server:\n  max_body_bytes: -1\n", "server.max_body_bytes"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"max params", "planner:\n  max_params: -5\n", "planner.max_params"},
		{"temperature", "planner:\n  temperature: 2.5\n", "planner.temperature"},
		{"fps", "planner:\n  default_fps: -30\n", "planner.default_fps"},
		{"fuzzy", "planner:\n  affect_fuzzy_threshold: 1.5\n", "planner.affect_fuzzy_threshold"},
		{"nod", "fallback:\n  nod_value: .inf\n", "fallback.nod_value"},
		{"breaker", "resilience:\n  circuit_breaker:\n    max_failures: -1\n", "max_failures"},
		{"journal", "journal:\n  path: a.jsonl\n  postgres_dsn: postgres://x\n", "mutually exclusive"},
		{"metrics path", "observe:\n  metrics_path: metrics\n", "must start with /"},
		{"metrics collision", "observe:\n  metrics_path: /healthz\n", "collides"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nplanner:\n  max_params: -1\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "planner.max_params"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q is missing %q", err, want)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/tmp/plans.jsonl" {
		t.Errorf("journal.path = %q", cfg.Journal.Path)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
