// Package app wires all Marionette subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the breaker, planner,
// journal and HTTP routes, Run serves until the context is cancelled, and
// Shutdown releases what New opened.
//
// For testing, inject doubles via functional options (WithJournal,
// WithMetrics, WithListener). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/marionette/internal/api"
	"github.com/MrWong99/marionette/internal/config"
	"github.com/MrWong99/marionette/internal/fallback"
	"github.com/MrWong99/marionette/internal/health"
	"github.com/MrWong99/marionette/internal/journal"
	"github.com/MrWong99/marionette/internal/journal/postgres"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/planner"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/pkg/provider/llm"
)

// Providers holds the constructed generator. A nil LLM means none is
// configured and every request is answered by the fallback.
type Providers struct {
	LLM llm.Provider

	// LLMName labels the provider in metrics and the breaker.
	LLMName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	breaker *resilience.CircuitBreaker
	journal journal.Journal
	planner *planner.Planner
	api     *api.Handler
	health  *health.Handler
	metrics *observe.Metrics
	handler http.Handler

	levelVar       *slog.LevelVar
	watcher        *config.Watcher
	listener       net.Listener
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal instead of creating one from config.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithMetrics injects the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the caller's
// handler.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithWatcher runs w alongside the server. Changes it reports are applied
// through [App.ApplyConfig] by the caller's onChange callback.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetricsHandler replaces the Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	if providers == nil {
		providers = &Providers{}
	}

	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	provider := a.initBreaker(providers)

	name := providers.LLMName
	if name == "" {
		name = "llm"
	}
	a.planner = planner.New(provider,
		planner.WithJournal(a.journal),
		planner.WithMetrics(a.metrics),
		planner.WithSettings(PlannerSettings(cfg)),
		planner.WithProviderName(name),
	)

	a.api = api.New(a.planner,
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithDefaultFPS(cfg.Planner.DefaultFPS),
		api.WithMetrics(a.metrics),
		api.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	checkers := []health.Checker{health.PingChecker("journal", a.journal.Ping)}
	if a.breaker != nil {
		checkers = append(checkers, health.BreakerChecker(a.breaker))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET "+cfg.Observe.MetricsPath, a.metricsHandler)
	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", cfg.Observe.MetricsPath),
	)(mux)

	return a, nil
}

// initJournal opens the configured journal unless one was injected.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}
	switch {
	case a.cfg.Journal.PostgresDSN != "":
		j, err := postgres.New(ctx, a.cfg.Journal.PostgresDSN)
		if err != nil {
			return err
		}
		a.journal = j
		slog.Info("plan journal enabled", "backend", "postgres")
	case a.cfg.Journal.Path != "":
		a.journal = journal.NewFileJournal(a.cfg.Journal.Path)
		slog.Info("plan journal enabled", "backend", "file", "path", a.cfg.Journal.Path)
	default:
		a.journal = journal.Nop{}
		return nil
	}
	a.journal = journal.NewAsync(a.journal)
	a.closers = append(a.closers, a.journal.Close)
	return nil
}

// initBreaker wraps the configured provider in a circuit breaker and returns
// the provider the planner should call.
func (a *App) initBreaker(providers *Providers) llm.Provider {
	if providers.LLM == nil {
		return nil
	}
	name := providers.LLMName
	if name == "" {
		name = "llm"
	}
	cb := a.cfg.Resilience.CircuitBreaker
	wrapped := resilience.NewLLMBreaker(providers.LLM, resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	a.breaker = wrapped.Breaker()
	return wrapped
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Planner returns the planner serving requests.
func (a *App) Planner() *planner.Planner { return a.planner }

// API returns the HTTP handler for the timeline routes.
func (a *App) API() *api.Handler { return a.api }

// Breaker returns the generator's circuit breaker, or nil when no provider
// is configured.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Run serves HTTP (and polls the config watcher, if any) until ctx is
// cancelled, then shuts the server down within server.shutdown_timeout.
// A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
			return srv.Close()
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a config change and logs
// the parts that need a restart. It is meant to be called from a
// [config.Watcher] onChange callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PlannerChanged || d.FallbackChanged {
		a.planner.UpdateSettings(PlannerSettings(new))
		a.api.SetDefaultFPS(new.Planner.DefaultFPS)
		slog.Info("planner settings reloaded",
			"planner_changed", d.PlannerChanged,
			"fallback_changed", d.FallbackChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown releases everything New opened. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// PlannerSettings converts the planner and fallback config sections into
// [planner.Settings].
func PlannerSettings(cfg *config.Config) planner.Settings {
	return planner.Settings{
		MaxParams:            cfg.Planner.MaxParams,
		MaxOutputTokens:      cfg.Planner.MaxOutputTokens,
		Temperature:          cfg.Planner.Temperature,
		Timeout:              cfg.Planner.Timeout,
		AffectFuzzyThreshold: cfg.Planner.FuzzyThreshold(),
		Fallback:             FallbackProfile(cfg.Fallback),
	}
}

// FallbackProfile overlays the configured parameter ids on
// [fallback.DefaultProfile].
func FallbackProfile(fc config.FallbackConfig) fallback.Profile {
	p := fallback.DefaultProfile
	if fc.BreathParam != "" {
		p.BreathParam = fc.BreathParam
	}
	if fc.EyeLeftParam != "" {
		p.EyeLeftParam = fc.EyeLeftParam
	}
	if fc.EyeRightParam != "" {
		p.EyeRightParam = fc.EyeRightParam
	}
	if fc.HeadYawParam != "" {
		p.HeadYawParam = fc.HeadYawParam
	}
	if fc.NodValue != nil {
		p.NodValue = *fc.NodValue
	}
	if fc.MaxDuration > 0 {
		p.MaxDurationMs = float64(fc.MaxDuration.Milliseconds())
	}
	return p
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
