// Package api exposes the timeline planner over HTTP and WebSocket.
//
// Routes:
//
//	POST /live2d_timeline  one JSON request, one Timeline response
//	GET  /ws/timeline      one Timeline (or error) per text message
//
// Only request-shape problems are reported as errors. Everything past
// decoding is answered with a Timeline, falling back to procedural motion
// when the generator is unavailable.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync/atomic"

	"github.com/MrWong99/marionette/internal/observe"
	"github.com/MrWong99/marionette/internal/planner"
)

const (
	// DefaultMaxBodyBytes bounds a request body or WebSocket message.
	DefaultMaxBodyBytes = 4 << 20

	// DefaultFPS is used when a request omits fps.
	DefaultFPS = 60

	// DefaultStrategy is used when a request omits strategy.
	DefaultStrategy = "auto"

	errCodeBadInput = "BAD_INPUT"
	msgCuesRequired = "words[] and visemes[] required"
)

// Planner produces timelines. *planner.Planner satisfies it.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) planner.Result
}

// ErrorBody is the JSON shape of a rejected request.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// badInput is a request-shape error. Its text is safe to return to clients.
type badInput struct{ msg string }

func (e *badInput) Error() string { return e.msg }

// Option is a functional option for [New].
type Option func(*Handler)

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithDefaultFPS overrides [DefaultFPS].
func WithDefaultFPS(fps float64) Option {
	return func(h *Handler) { h.SetDefaultFPS(fps) }
}

// WithMetrics sets the metrics sink for stream gauges. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginPatterns lists the cross-origin hosts allowed to open a
// WebSocket stream. Same-origin is always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// Handler serves the timeline routes.
type Handler struct {
	planner        Planner
	maxBody        int64
	defaultFPS     atomic.Uint64
	metrics        *observe.Metrics
	originPatterns []string
}

// New returns a Handler backed by p.
func New(p Planner, opts ...Option) *Handler {
	h := &Handler{planner: p, maxBody: DefaultMaxBodyBytes}
	h.SetDefaultFPS(DefaultFPS)
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// SetDefaultFPS changes the fps applied to requests that omit it.
// Non-positive or non-finite values are ignored.
func (h *Handler) SetDefaultFPS(fps float64) {
	if fps > 0 && !math.IsInf(fps, 0) {
		h.defaultFPS.Store(math.Float64bits(fps))
	}
}

// DefaultFPS returns the fps applied to requests that omit it.
func (h *Handler) DefaultFPS() float64 {
	return math.Float64frombits(h.defaultFPS.Load())
}

// Register adds the timeline routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /live2d_timeline", h.Timeline)
	mux.HandleFunc("GET /ws/timeline", h.Stream)
}

// Timeline serves POST /live2d_timeline.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, ErrorBody{errCodeBadInput, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{errCodeBadInput, "could not read request body"})
		return
	}

	req, err := h.decodeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{errCodeBadInput, err.Error()})
		return
	}

	res := h.planner.Plan(r.Context(), req)
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Timeline-Source", string(res.Source))
	if res.Reason != "" {
		w.Header().Set("X-Timeline-Reason", string(res.Reason))
	}
	writeJSON(w, http.StatusOK, res.Timeline)
}

// timelineRequest is the wire shape of a planning request. Pointer and raw
// fields distinguish "absent" (defaulted) from "present with the wrong type"
// (rejected).
type timelineRequest struct {
	Words            json.RawMessage `json:"words"`
	Visemes          json.RawMessage `json:"visemes"`
	ParameterCatalog *string         `json:"parameterCatalog"`
	FPS              *float64        `json:"fps"`
	Strategy         *string         `json:"strategy"`
}

// decodeRequest validates the request shape and applies defaults. An empty
// body is an empty object.
func (h *Handler) decodeRequest(body []byte) (planner.Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var wire timelineRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return planner.Request{}, &badInput{msg: "invalid JSON body: " + describeJSONError(err)}
	}

	req := planner.Request{FPS: h.DefaultFPS(), Strategy: DefaultStrategy}
	if !isArrayOrAbsent(wire.Words) || !isArrayOrAbsent(wire.Visemes) {
		return planner.Request{}, &badInput{msg: msgCuesRequired}
	}
	if len(wire.Words) > 0 {
		if err := json.Unmarshal(wire.Words, &req.Cues.Words); err != nil {
			return planner.Request{}, &badInput{msg: "words[]: " + describeJSONError(err)}
		}
	}
	if len(wire.Visemes) > 0 {
		if err := json.Unmarshal(wire.Visemes, &req.Cues.Visemes); err != nil {
			return planner.Request{}, &badInput{msg: "visemes[]: " + describeJSONError(err)}
		}
	}
	if wire.ParameterCatalog != nil {
		req.Catalog = *wire.ParameterCatalog
	}
	if wire.FPS != nil {
		req.FPS = *wire.FPS
	}
	if wire.Strategy != nil {
		req.Strategy = *wire.Strategy
	}
	return req, nil
}

// isArrayOrAbsent reports whether raw is missing or a JSON array. An explicit
// null is neither.
func isArrayOrAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || raw[0] == '['
}

// describeJSONError renders decoding errors without Go type names.
func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field != "" {
			return fmt.Sprintf("field %q has the wrong type (%s)", typeErr.Field, typeErr.Value)
		}
		return fmt.Sprintf("unexpected %s", typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("syntax error at offset %d", syntaxErr.Offset)
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
