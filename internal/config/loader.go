package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidLLMNames lists the built-in LLM provider names. [Validate] warns about
// names outside this list; they may still be registered by a custom build.
var ValidLLMNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}

	// Provider
	if name := cfg.Providers.LLM.Name; name != "" && !slices.Contains(ValidLLMNames, name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"kind", "llm",
			"name", name,
			"known", ValidLLMNames,
		)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; every timeline will come from the procedural fallback")
	}

	// Planner
	p := cfg.Planner
	if p.MaxParams < 0 {
		add("planner.max_params %d must not be negative", p.MaxParams)
	}
	if p.MaxOutputTokens < 0 {
		add("planner.max_output_tokens %d must not be negative", p.MaxOutputTokens)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		add("planner.temperature %.2f is out of range [0, 2]", p.Temperature)
	}
	if p.Timeout < 0 {
		add("planner.timeout %v must not be negative", p.Timeout)
	}
	if p.DefaultFPS < 0 || math.IsInf(p.DefaultFPS, 0) || math.IsNaN(p.DefaultFPS) {
		add("planner.default_fps %v must be a positive number", p.DefaultFPS)
	}
	if th := p.FuzzyThreshold(); th < 0 || th > 1 {
		add("planner.affect_fuzzy_threshold %.2f is out of range [0, 1]", th)
	}

	// Fallback
	if v := cfg.Fallback.NodValue; v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
		add("fallback.nod_value must be finite")
	}
	if cfg.Fallback.MaxDuration < 0 {
		add("fallback.max_duration %v must not be negative", cfg.Fallback.MaxDuration)
	}

	// Resilience
	cb := cfg.Resilience.CircuitBreaker
	if cb.MaxFailures < 0 {
		add("resilience.circuit_breaker.max_failures %d must not be negative", cb.MaxFailures)
	}
	if cb.ResetTimeout < 0 {
		add("resilience.circuit_breaker.reset_timeout %v must not be negative", cb.ResetTimeout)
	}
	if cb.HalfOpenMax < 0 {
		add("resilience.circuit_breaker.half_open_max %d must not be negative", cb.HalfOpenMax)
	}

	// Journal
	if cfg.Journal.Path != "" && cfg.Journal.PostgresDSN != "" {
		add("journal.path and journal.postgres_dsn are mutually exclusive")
	}

	// Observe
	if mp := cfg.Observe.MetricsPath; mp != "" && !strings.HasPrefix(mp, "/") {
		add("observe.metrics_path %q must start with /", mp)
	}
	if reserved := []string{"/live2d_timeline", "/ws/timeline", "/healthz", "/readyz"}; slices.Contains(reserved, cfg.Observe.MetricsPath) {
		add("observe.metrics_path %q collides with a built-in route", cfg.Observe.MetricsPath)
	}

	return errors.Join(errs...)
}
