package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level, planner
// and fallback settings are applied live; anything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PlannerChanged  bool
	FallbackChanged bool

	// RestartRequired names the changed sections that cannot be reloaded.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlannerChanged && !d.FallbackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PlannerChanged = !plannerEqual(old.Planner, new.Planner)
	d.FallbackChanged = !fallbackEqual(old.Fallback, new.Fallback)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.MaxBodyBytes != new.Server.MaxBodyBytes {
		d.RestartRequired = append(d.RestartRequired, "server.max_body_bytes")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

func plannerEqual(a, b PlannerConfig) bool {
	return a.MaxParams == b.MaxParams &&
		a.MaxOutputTokens == b.MaxOutputTokens &&
		a.Temperature == b.Temperature &&
		a.Timeout == b.Timeout &&
		a.DefaultFPS == b.DefaultFPS &&
		a.FuzzyThreshold() == b.FuzzyThreshold()
}

func fallbackEqual(a, b FallbackConfig) bool {
	return a.BreathParam == b.BreathParam &&
		a.EyeLeftParam == b.EyeLeftParam &&
		a.EyeRightParam == b.EyeRightParam &&
		a.HeadYawParam == b.HeadYawParam &&
		a.MaxDuration == b.MaxDuration &&
		floatPtrEqual(a.NodValue, b.NodValue)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
