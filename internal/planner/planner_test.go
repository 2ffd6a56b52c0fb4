package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/marionette/internal/catalog"
	"github.com/MrWong99/marionette/internal/cue"
	"github.com/MrWong99/marionette/internal/fallback"
	"github.com/MrWong99/marionette/internal/journal"
	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/resilience"
	"github.com/MrWong99/marionette/internal/timeline"
	"github.com/MrWong99/marionette/pkg/provider/llm"
	"github.com/MrWong99/marionette/pkg/provider/llm/mock"
)

const testCatalog = `Rig parameters
- ParamBreath — [0, 1] (default 0.5) — breathing
- ParamEyeLOpen — [0, 1] (default 1) — left eye
- ParamEyeROpen — [0, 1] (default 1) — right eye
- ParamAngleY — [-30, 30] (default 0) — head yaw
- ParamVein — [0, 1] (default 0) — anger vein toggle
not a parameter line`

var testCues = cue.Cues{
	Words: []cue.WordEvent{
		{Text: "Hello", StartMs: 0, EndMs: 400},
		{Text: "there.", StartMs: 450, EndMs: 900},
		{Text: "Don't", StartMs: 1000, EndMs: 1200},
		{Text: "piss", StartMs: 1200, EndMs: 1400},
		{Text: "me", StartMs: 1400, EndMs: 1500},
		{Text: "off!", StartMs: 1500, EndMs: 1900},
	},
	Visemes: []cue.VisemeEvent{{StartMs: 0, VisemeID: 1}, {StartMs: 2000, VisemeID: 0}},
}

// recordingJournal captures entries in memory.
type recordingJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (j *recordingJournal) Record(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return j.err
}

func (j *recordingJournal) Ping(context.Context) error { return nil }
func (j *recordingJournal) Close() error               { return nil }

func (j *recordingJournal) Entries() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newTestPlanner(t *testing.T, provider llm.Provider, opts ...Option) *Planner {
	t.Helper()
	m, _ := newTestMetrics(t)
	return New(provider, append([]Option{WithMetrics(m)}, opts...)...)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func respond(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestPlan_DegradedPathEqualsFallback(t *testing.T) {
	defs := catalog.Parse(testCatalog)
	want := mustJSON(t, timeline.Clamp(fallback.Generate(testCues, defs, 30), defs))

	tests := []struct {
		name     string
		provider func() llm.Provider
		settings func(*Settings)
		reason   Reason
	}{
		{
			name:     "transport error",
			provider: func() llm.Provider { return &mock.Provider{CompleteErr: errors.New("connection reset")} },
			reason:   ReasonProviderError,
		},
		{
			name:     "not json",
			provider: func() llm.Provider { return respond("Sure! Here is your animation.") },
			reason:   ReasonMalformed,
		},
		{
			name:     "unknown mode",
			provider: func() llm.Provider { return respond(`{"mode":"spline","points":[]}`) },
			reason:   ReasonMalformed,
		},
		{
			name:     "keyframes not an array",
			provider: func() llm.Provider { return respond(`{"mode":"keyframes","keyframes":{}}`) },
			reason:   ReasonMalformed,
		},
		{
			name:     "nil response",
			provider: func() llm.Provider { return &mock.Provider{} },
			reason:   ReasonMalformed,
		},
		{
			name:     "empty after clamp",
			provider: func() llm.Provider { return respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamNope":1}}]}`) },
			reason:   ReasonEmptyAfterClamp,
		},
		{
			name: "timeout",
			provider: func() llm.Provider {
				return &mock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}}
			},
			settings: func(s *Settings) { s.Timeout = 10 * time.Millisecond },
			reason:   ReasonProviderError,
		},
		{
			name: "provider panic",
			provider: func() llm.Provider {
				return &mock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
					panic("nil map in SDK")
				}}
			},
			reason: ReasonProviderError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			if tt.settings != nil {
				tt.settings(&s)
			}
			p := newTestPlanner(t, tt.provider(), WithSettings(s))

			res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 30, Strategy: "auto"})

			if res.Source != SourceFallback || res.Reason != tt.reason {
				t.Errorf("source/reason = %s/%s, want fallback/%s", res.Source, res.Reason, tt.reason)
			}
			if got := mustJSON(t, res.Timeline); got != want {
				t.Errorf("degraded timeline differs from direct fallback\n got: %.200s\nwant: %.200s", got, want)
			}
		})
	}
}

func TestPlan_EmptyCatalog(t *testing.T) {
	prov := respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamBreath":1}}]}`)
	p := newTestPlanner(t, prov)

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: "no parameters here", FPS: 60})

	if res.Source != SourceFallback || res.Reason != ReasonEmptyCatalog {
		t.Fatalf("source/reason = %s/%s, want fallback/empty_catalog", res.Source, res.Reason)
	}
	if res.Timeline == nil || res.Timeline.Mode != timeline.ModeFixedFPS {
		t.Fatalf("timeline = %+v, want fixed_fps", res.Timeline)
	}
	for i, f := range res.Timeline.FixedFPS.Frames {
		if len(f) != 0 {
			t.Fatalf("frame %d = %v, want empty", i, f)
		}
	}
	if n := len(prov.Calls()); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestPlan_StrategyFallbackSkipsProvider(t *testing.T) {
	prov := respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamBreath":1}}]}`)
	p := newTestPlanner(t, prov)

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60, Strategy: StrategyFallback})

	if res.Source != SourceFallback || res.Reason != ReasonStrategy {
		t.Errorf("source/reason = %s/%s, want fallback/strategy", res.Source, res.Reason)
	}
	if n := len(prov.Calls()); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestPlan_NoProvider(t *testing.T) {
	p := newTestPlanner(t, nil)
	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
	if res.Source != SourceFallback || res.Reason != ReasonNoProvider {
		t.Errorf("source/reason = %s/%s, want fallback/no_provider", res.Source, res.Reason)
	}
	if res.Timeline.Empty() {
		t.Error("fallback timeline is empty")
	}
}

func TestPlan_LLMCandidateIsClamped(t *testing.T) {
	prov := respond(`{"mode":"keyframes","keyframes":[
		{"timeMs":-20,"params":{"ParamAngleY":55,"ParamVein":0.6,"ParamMouthOpenY":1}},
		{"timeMs":1500.4,"params":{"ParamBreath":"high","ParamEyeLOpen":0.2}}
	]}`)
	p := newTestPlanner(t, prov)

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60, Strategy: "auto"})

	if res.Source != SourceLLM || res.Reason != "" {
		t.Fatalf("source/reason = %s/%s, want llm", res.Source, res.Reason)
	}
	if res.RequestID == "" {
		t.Error("RequestID is empty")
	}
	want := `{"mode":"keyframes","keyframes":[` +
		`{"timeMs":0,"params":{"ParamAngleY":30,"ParamVein":1}},` +
		`{"timeMs":1500,"params":{"ParamEyeLOpen":0.2}}]}`
	if got := mustJSON(t, res.Timeline); got != want {
		t.Errorf("timeline = %s\nwant %s", got, want)
	}
}

func TestPlan_RequestShape(t *testing.T) {
	prov := respond(`{"mode":"fixed_fps","fixedFps":{"dtMs":33,"frames":[{"ParamBreath":0.5}]}}`)
	s := DefaultSettings()
	s.Temperature = 0.4
	p := newTestPlanner(t, prov, WithSettings(s))

	p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 30, Strategy: "expressive"})

	calls := prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if !req.JSONMode {
		t.Error("JSONMode = false, want true")
	}
	if req.MaxTokens != 5000 {
		t.Errorf("MaxTokens = %d, want 5000", req.MaxTokens)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	if !strings.HasPrefix(req.SystemPrompt, "You control a Live2D avatar") {
		t.Errorf("system prompt starts %.40q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "- ParamVein [0, 1] (toggle-like) — anger vein toggle") {
		t.Errorf("system prompt is missing the glossary:\n%s", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}

	var payload struct {
		Words    []cue.WordEvent   `json:"words"`
		Visemes  []cue.VisemeEvent `json:"visemes"`
		FPS      float64           `json:"fps"`
		Strategy string            `json:"strategy"`
		Hints    struct {
			Angry bool `json:"angry"`
		} `json:"hints"`
	}
	if err := json.Unmarshal([]byte(req.Messages[0].Content), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if len(payload.Words) != len(testCues.Words) || len(payload.Visemes) != 2 {
		t.Errorf("payload words/visemes = %d/%d", len(payload.Words), len(payload.Visemes))
	}
	if payload.FPS != 30 || payload.Strategy != "expressive" {
		t.Errorf("payload fps/strategy = %v/%q", payload.FPS, payload.Strategy)
	}
	if !payload.Hints.Angry {
		t.Error("hints.angry = false, want true")
	}
}

func TestPlan_MaxParamsLimitsOfferedCatalog(t *testing.T) {
	// ParamVein is the fifth entry and falls outside the cap.
	prov := respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamVein":1,"ParamBreath":0.7}}]}`)
	s := DefaultSettings()
	s.MaxParams = 4
	p := newTestPlanner(t, prov, WithSettings(s))

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})

	if strings.Contains(prov.Calls()[0].Req.SystemPrompt, "ParamVein") {
		t.Error("system prompt lists a parameter beyond the cap")
	}
	if res.Source != SourceLLM {
		t.Fatalf("source = %s, want llm", res.Source)
	}
	if _, ok := res.Timeline.Keyframes[0].Params["ParamVein"]; ok {
		t.Error("ParamVein survived clamping against the capped catalog")
	}
}

func TestPlan_CodeFencedResponse(t *testing.T) {
	prov := respond("```json\n{\"mode\":\"keyframes\",\"keyframes\":[{\"timeMs\":0,\"params\":{\"ParamBreath\":0.6}}]}\n```")
	p := newTestPlanner(t, prov)

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
	if res.Source != SourceLLM {
		t.Fatalf("source/reason = %s/%s, want llm", res.Source, res.Reason)
	}
}

func TestPlan_CircuitOpen(t *testing.T) {
	inner := &mock.Provider{CompleteErr: errors.New("503")}
	breaker := resilience.NewLLMBreaker(inner, resilience.CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	p := newTestPlanner(t, breaker)
	req := Request{Cues: testCues, Catalog: testCatalog, FPS: 60}

	if res := p.Plan(context.Background(), req); res.Reason != ReasonProviderError {
		t.Fatalf("first reason = %s, want provider_error", res.Reason)
	}
	if res := p.Plan(context.Background(), req); res.Reason != ReasonCircuitOpen {
		t.Fatalf("second reason = %s, want circuit_open", res.Reason)
	}
	if n := len(inner.Calls()); n != 1 {
		t.Errorf("inner called %d times, want 1", n)
	}
}

func TestPlan_ContextWindow(t *testing.T) {
	t.Run("prompt too large", func(t *testing.T) {
		prov := &mock.Provider{
			TokenCount:        9_000,
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096},
		}
		p := newTestPlanner(t, prov)
		res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
		if res.Reason != ReasonPromptTooLarge {
			t.Errorf("reason = %s, want prompt_too_large", res.Reason)
		}
		if n := len(prov.Calls()); n != 0 {
			t.Errorf("Complete called %d times, want 0", n)
		}
	})

	t.Run("max tokens capped", func(t *testing.T) {
		prov := respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamBreath":0.6}}]}`)
		prov.TokenCount = 8_000
		prov.ModelCapabilities = llm.ModelCapabilities{ContextWindow: 10_000, MaxOutputTokens: 16_384}
		p := newTestPlanner(t, prov)
		p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
		if got := prov.Calls()[0].Req.MaxTokens; got != 2_000 {
			t.Errorf("MaxTokens = %d, want 2000", got)
		}
	})
}

func TestPlan_Journal(t *testing.T) {
	j := &recordingJournal{err: errors.New("disk full")}
	p := newTestPlanner(t, respond("nope"), WithJournal(j))

	res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60, Strategy: "auto"})

	if res.Timeline.Empty() {
		t.Fatal("journal failure affected the response")
	}
	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.RequestID != res.RequestID || e.Source != "fallback" || e.Reason != "malformed" {
		t.Errorf("entry = %+v", e)
	}
	if e.Params != 5 || e.Words != 6 || e.Mode != "fixed_fps" || e.Frames != res.Timeline.Len() {
		t.Errorf("entry counts = %+v", e)
	}
}

// stalledJournal blocks every Record until release is closed.
type stalledJournal struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (j *stalledJournal) Record(ctx context.Context, _ journal.Entry) error {
	select {
	case <-j.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.mu.Lock()
	j.n++
	j.mu.Unlock()
	return nil
}

func (j *stalledJournal) Ping(context.Context) error { return nil }
func (j *stalledJournal) Close() error               { return nil }

func TestPlan_StalledJournalDoesNotDelayResponse(t *testing.T) {
	slow := &stalledJournal{release: make(chan struct{})}
	j := journal.NewAsync(slow, journal.WithWriteTimeout(time.Minute))
	p := newTestPlanner(t, nil, WithJournal(j))

	done := make(chan Result, 1)
	go func() {
		done <- p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
	}()
	select {
	case res := <-done:
		if res.Timeline.Empty() {
			t.Error("empty timeline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Plan waited on the journal write")
	}

	close(slow.release)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if slow.n != 1 {
		t.Errorf("journal writes = %d, want 1 after flush", slow.n)
	}
}

func TestPlan_Metrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	p := New(respond("nope"), WithMetrics(m))

	p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
	p.Plan(context.Background(), Request{Cues: testCues, Catalog: "", FPS: 60})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "marionette.plan.outcomes" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				reason, _ := dp.Attributes.Value(attribute.Key("reason"))
				got[reason.AsString()] += dp.Value
			}
		}
	}
	if got["malformed"] != 1 || got["empty_catalog"] != 1 {
		t.Errorf("plan outcomes by reason = %v", got)
	}
}

func TestPlanner_UpdateSettings(t *testing.T) {
	prov := respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamBreath":0.6}}]}`)
	p := newTestPlanner(t, prov)

	s := p.Settings()
	s.MaxOutputTokens = 123
	p.UpdateSettings(s)

	p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
	if got := prov.Calls()[0].Req.MaxTokens; got != 123 {
		t.Errorf("MaxTokens = %d, want 123", got)
	}
}

func TestPlan_ConcurrentUse(t *testing.T) {
	p := newTestPlanner(t, respond(`{"mode":"keyframes","keyframes":[{"timeMs":0,"params":{"ParamBreath":0.6}}]}`))
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			res := p.Plan(context.Background(), Request{Cues: testCues, Catalog: testCatalog, FPS: 60})
			if res.Source != SourceLLM {
				t.Errorf("source = %s, want llm", res.Source)
			}
		})
	}
	wg.Wait()
}
