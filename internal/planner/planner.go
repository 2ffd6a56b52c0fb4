// Package planner turns word/viseme cues and a rig parameter catalog into a
// validated animation timeline.
//
// A [Planner] makes at most one attempt to obtain a candidate timeline from an
// [llm.Provider]. The candidate is decoded, clamped against the catalog and
// returned when anything survives. Every other outcome (empty catalog, no
// provider, transport error, open circuit, malformed or empty output) degrades
// to the procedural [fallback] timeline. Plan never fails.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/marionette/internal/catalog"
	"github.com/MrWong99/marionette/internal/cue"
	"github.com/MrWong99/marionette/internal/fallback"
	"github.com/MrWong99/marionette/internal/journal"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/internal/timeline"
	"github.com/MrWong99/marionette/pkg/provider/llm"
)

// Source names where a served timeline came from.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Reason explains why the fallback timeline was served. It is empty for
// LLM-sourced results.
type Reason string

const (
	ReasonEmptyCatalog    Reason = "empty_catalog"
	ReasonStrategy        Reason = "strategy"
	ReasonNoProvider      Reason = "no_provider"
	ReasonPromptTooLarge  Reason = "prompt_too_large"
	ReasonProviderError   Reason = "provider_error"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonMalformed       Reason = "malformed"
	ReasonEmptyAfterClamp Reason = "empty_after_clamp"
)

// StrategyFallback asks for the procedural timeline without contacting the
// generator. Any other strategy is forwarded to the generator as a hint.
const StrategyFallback = "fallback"

// Request is one timeline planning request.
type Request struct {
	Cues cue.Cues

	// Catalog is the raw parameter catalog text.
	Catalog string

	// FPS is the target frame rate. It is passed through unchanged; the
	// fallback generator treats anything below 1 as 1.
	FPS float64

	Strategy string
}

// Result is the outcome of [Planner.Plan]. Timeline is never nil.
type Result struct {
	Timeline  *timeline.Timeline
	Source    Source
	Reason    Reason
	RequestID string
}

// Settings are the tunables of a [Planner]. They may be swapped at runtime
// with [Planner.UpdateSettings].
type Settings struct {
	// MaxParams caps how many catalog entries are offered to the generator
	// and used to clamp its output. Zero means no cap.
	MaxParams int

	// MaxOutputTokens bounds the generator's completion length.
	MaxOutputTokens int

	// Temperature is forwarded to the generator. Zero leaves the provider's
	// default in place.
	Temperature float64

	// Timeout bounds the generator call. Zero means only the caller's
	// context applies.
	Timeout time.Duration

	// AffectFuzzyThreshold is the Jaro-Winkler score at which a transcript
	// window counts as an affect phrase. Zero disables fuzzy matching.
	AffectFuzzyThreshold float64

	// Fallback drives the procedural timeline.
	Fallback fallback.Profile
}

// DefaultSettings returns the settings used when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		MaxParams:            280,
		MaxOutputTokens:      5000,
		Timeout:              30 * time.Second,
		AffectFuzzyThreshold: 0.92,
		Fallback:             fallback.DefaultProfile,
	}
}

// Option is a functional option for [New].
type Option func(*Planner)

// WithJournal records every plan in j. Record is called on the request path,
// so j should not block; wrap slow journals with [journal.NewAsync].
func WithJournal(j journal.Journal) Option {
	return func(p *Planner) { p.journal = j }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithSettings replaces [DefaultSettings].
func WithSettings(s Settings) Option {
	return func(p *Planner) { p.settings.Store(&s) }
}

// WithProviderName sets the provider label used in metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(p *Planner) { p.providerName = name }
}

// Planner plans timelines. It is safe for concurrent use.
type Planner struct {
	provider     llm.Provider
	providerName string
	journal      journal.Journal
	metrics      *observe.Metrics
	settings     atomic.Pointer[Settings]
}

// New returns a Planner that asks provider for candidate timelines. A nil
// provider is allowed; every plan then uses the fallback.
func New(provider llm.Provider, opts ...Option) *Planner {
	p := &Planner{
		provider:     provider,
		providerName: "llm",
		journal:      journal.Nop{},
	}
	s := DefaultSettings()
	p.settings.Store(&s)
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Settings returns the current settings.
func (p *Planner) Settings() Settings {
	return *p.settings.Load()
}

// UpdateSettings atomically replaces the settings. Plans already in flight
// finish with the settings they started with.
func (p *Planner) UpdateSettings(s Settings) {
	p.settings.Store(&s)
}

// Plan returns a validated, clamped timeline for req. It never returns an
// error: generator problems are logged and answered with the fallback.
func (p *Planner) Plan(ctx context.Context, req Request) Result {
	start := time.Now()
	s := p.Settings()

	id := uuid.NewString()
	ctx = observe.WithRequestID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "planner.Plan")
	defer span.End()

	defs := catalog.Parse(req.Catalog)

	var (
		tl      *timeline.Timeline
		dropped int
		reason  Reason
	)
	switch {
	case len(defs) == 0:
		reason = ReasonEmptyCatalog
	case req.Strategy == StrategyFallback:
		reason = ReasonStrategy
	case p.provider == nil:
		reason = ReasonNoProvider
	default:
		tl, dropped, reason = p.propose(ctx, s, req, defs)
	}

	res := Result{Timeline: tl, Source: SourceLLM, Reason: reason, RequestID: id}
	if reason != "" {
		var st timeline.Stats
		res.Timeline, st = timeline.ClampWithStats(s.Fallback.Generate(req.Cues, defs, req.FPS), defs)
		res.Source = SourceFallback
		dropped = st.Dropped
	}

	latency := time.Since(start)
	span.SetAttributes(
		attribute.String("source", string(res.Source)),
		attribute.String("reason", string(res.Reason)),
		attribute.Int("frames", res.Timeline.Len()),
	)
	p.metrics.RecordPlan(ctx, string(res.Source), string(res.Reason), latency.Seconds())
	p.metrics.RecordClampDropped(ctx, string(res.Source), dropped)
	p.record(ctx, req, defs, res, dropped, latency)

	observe.Logger(ctx).Debug("timeline planned",
		slog.String("source", string(res.Source)),
		slog.String("reason", string(res.Reason)),
		slog.String("mode", string(res.Timeline.Mode)),
		slog.Int("frames", res.Timeline.Len()),
		slog.Int("params", len(defs)),
		slog.Duration("latency", latency),
	)
	return res
}

// propose makes the single generator attempt. A non-empty reason means the
// candidate is unusable.
func (p *Planner) propose(ctx context.Context, s Settings, req Request, defs []catalog.ParameterDef) (*timeline.Timeline, int, Reason) {
	log := observe.Logger(ctx)
	offered := catalog.Trim(defs, s.MaxParams)
	hints := DetectHints(req.Cues, s.AffectFuzzyThreshold)

	payload, err := UserPayload(req, req.FPS, hints)
	if err != nil {
		log.Warn("planner: falling back", "reason", ReasonProviderError, "err", err)
		return nil, 0, ReasonProviderError
	}
	creq := llm.CompletionRequest{
		SystemPrompt: SystemPrompt(offered),
		Messages:     []llm.Message{{Role: "user", Content: payload}},
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxOutputTokens,
		JSONMode:     true,
	}

	if caps := p.provider.Capabilities(); caps.ContextWindow > 0 {
		msgs := append([]llm.Message{{Role: "system", Content: creq.SystemPrompt}}, creq.Messages...)
		if n, err := p.provider.CountTokens(msgs); err == nil {
			left := caps.Remaining(n)
			if left == 0 {
				log.Warn("planner: falling back", "reason", ReasonPromptTooLarge,
					"prompt_tokens", n, "context_window", caps.ContextWindow)
				return nil, 0, ReasonPromptTooLarge
			}
			if creq.MaxTokens <= 0 || left < creq.MaxTokens {
				creq.MaxTokens = left
			}
		}
	}

	callCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	llmStart := time.Now()
	resp, err := p.complete(callCtx, creq)
	p.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if err != nil {
		reason := ReasonProviderError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			reason = ReasonCircuitOpen
		} else {
			p.metrics.RecordProviderRequest(ctx, p.providerName, "llm", "error")
			p.metrics.RecordProviderError(ctx, p.providerName, "llm")
		}
		log.Warn("planner: falling back", "reason", reason, "err", err)
		return nil, 0, reason
	}
	p.metrics.RecordProviderRequest(ctx, p.providerName, "llm", "ok")

	if resp == nil {
		log.Warn("planner: falling back", "reason", ReasonMalformed, "err", "no response")
		return nil, 0, ReasonMalformed
	}
	cand, err := timeline.Decode([]byte(stripCodeFence(resp.Content)))
	if err != nil {
		log.Warn("planner: falling back", "reason", ReasonMalformed, "err", err,
			"finish_reason", resp.FinishReason)
		return nil, 0, ReasonMalformed
	}

	clamped, st := timeline.ClampWithStats(cand, offered)
	if clamped.Empty() {
		log.Warn("planner: falling back", "reason", ReasonEmptyAfterClamp,
			"mode", cand.Mode, "dropped", st.Dropped)
		return nil, st.Dropped, ReasonEmptyAfterClamp
	}
	return clamped, st.Dropped, ""
}

// complete calls the provider, turning a panic into an error so the request
// still gets the fallback.
func (p *Planner) complete(ctx context.Context, req llm.CompletionRequest) (resp *llm.CompletionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("planner: provider panic: %v", r)
		}
	}()
	return p.provider.Complete(ctx, req)
}

// record hands the journal entry over. Failures are logged only.
func (p *Planner) record(ctx context.Context, req Request, defs []catalog.ParameterDef, res Result, dropped int, latency time.Duration) {
	e := journal.Entry{
		RequestID:  res.RequestID,
		Time:       time.Now().UTC(),
		Source:     string(res.Source),
		Reason:     string(res.Reason),
		Strategy:   req.Strategy,
		Mode:       string(res.Timeline.Mode),
		Frames:     res.Timeline.Len(),
		Params:     len(defs),
		Words:      len(req.Cues.Words),
		Dropped:    dropped,
		DurationMs: res.Timeline.DurationMs(),
		Latency:    latency,
	}

	if err := p.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		observe.Logger(ctx).Warn("planner: journal record failed", "err", err)
	}
}
