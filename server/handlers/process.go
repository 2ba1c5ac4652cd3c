// Package handlers provides the HTTP handlers of the rephrase server.
//
// ProcessHandler serves POST /api/process: it validates the body, builds
// the prompt, opens a completion stream and relays fragments to the caller
// as they arrive. HealthHandler serves GET /health.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/gateway"
	"github.com/teilomillet/rephrase/server/metrics"
	"github.com/teilomillet/rephrase/server/middleware"
	"github.com/teilomillet/rephrase/server/processing"
	"github.com/teilomillet/rephrase/server/validation"
)

// Response headers of the process endpoint.
const (
	HeaderModel              = "X-Model"
	HeaderStreamErrorCode    = "X-Stream-Error-Code"
	HeaderStreamError        = "X-Stream-Error"
	HeaderStreamErrorDetails = "X-Stream-Error-Details"
)

const defaultMaxBodyBytes = 1 << 20

// Opener opens completion streams; *gateway.Gateway implements it.
type Opener interface {
	Open(ctx context.Context, call gateway.Call) (gateway.Stream, error)
}

// ProcessHandler handles summarize and rewrite requests.
type ProcessHandler struct {
	validator    *validation.Validator
	gateway      Opener
	tokens       *validation.TokenCounter
	metrics      *metrics.Metrics
	logger       *zap.Logger
	maxBodyBytes int64
	production   bool
}

// ProcessOption configures a ProcessHandler.
type ProcessOption func(*ProcessHandler)

// WithMetrics records stream metrics.
func WithMetrics(m *metrics.Metrics) ProcessOption {
	return func(h *ProcessHandler) { h.metrics = m }
}

// WithTokenCounter enables prompt token accounting.
func WithTokenCounter(tc *validation.TokenCounter) ProcessOption {
	return func(h *ProcessHandler) { h.tokens = tc }
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) ProcessOption {
	return func(h *ProcessHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithProduction hides internal error detail from responses.
func WithProduction(production bool) ProcessOption {
	return func(h *ProcessHandler) { h.production = production }
}

// NewProcessHandler creates the process handler.
func NewProcessHandler(v *validation.Validator, gw Opener, logger *zap.Logger, opts ...ProcessOption) *ProcessHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ProcessHandler{
		validator:    v,
		gateway:      gw,
		logger:       logger,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
//
// The first fragment is pulled before the response is committed, so a
// failure at the start of the stream is still reported as a JSON error
// with its proper status. Later failures keep the fragments already sent
// and are reported through trailers (plain text) or an error event (SSE).
func (h *ProcessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = w.Header().Get(middleware.HeaderRequestID)
	}
	logger := h.logger.With(zap.String("request_id", requestID))

	start := middleware.GetRequestStart(ctx)
	if start.IsZero() {
		start = time.Now()
	}

	body, rerr := validation.ReadBody(r, h.maxBodyBytes)
	if rerr != nil {
		h.fail(w, logger, rerr.WithRequestID(requestID))
		return
	}
	req, rerr := h.validator.Validate(body)
	if rerr != nil {
		h.fail(w, logger, rerr.WithRequestID(requestID))
		return
	}

	plan := processing.Prepare(req)
	logger = logger.With(
		zap.String("mode", string(req.Mode)),
		zap.String("model", plan.Model),
	)
	h.countTokens(logger, req, plan)

	stream, err := h.gateway.Open(ctx, gateway.Call{
		Model:      plan.Model,
		Messages:   plan.Messages,
		Parameters: plan.Parameters,
	})
	if err != nil {
		if clientGone(ctx, err) {
			h.observeStream(plan.Model, metrics.OutcomeCancelled, start)
			logger.Info("client went away before the stream opened", zap.Error(err))
			return
		}
		h.observeStream(plan.Model, metrics.OutcomeFailed, start)
		h.fail(w, logger, errors.Classify(err, requestID, h.production))
		return
	}
	defer stream.Close()

	relay := newRelay(w, r, plan.Model)

	if !stream.Next() {
		if err := stream.Err(); err != nil {
			if clientGone(ctx, err) {
				h.observeStream(plan.Model, metrics.OutcomeCancelled, start)
				logger.Info("client went away before the first fragment", zap.Error(err))
				return
			}
			h.observeStream(plan.Model, metrics.OutcomeFailed, start)
			h.fail(w, logger, errors.Classify(err, requestID, h.production))
			return
		}
		// Clean finish with no text.
		relay.begin()
		relay.end()
		h.observeStream(plan.Model, metrics.OutcomeCompleted, start)
		logger.Info("stream completed", zap.Int("fragments", 0))
		return
	}

	relay.begin()
	if h.metrics != nil {
		h.metrics.TimeToFirstFragment.WithLabelValues(plan.Model).Observe(time.Since(start).Seconds())
	}

	fragments := 0
	for ok := true; ok; ok = stream.Next() {
		if err := relay.fragment(stream.Fragment()); err != nil {
			h.observeStream(plan.Model, metrics.OutcomeCancelled, start)
			logger.Info("client write failed, abandoning stream",
				zap.Int("fragments", fragments),
				zap.Error(err),
			)
			return
		}
		fragments++
		if h.metrics != nil {
			h.metrics.FragmentsRelayed.WithLabelValues(plan.Model).Inc()
		}
	}

	if err := stream.Err(); err != nil {
		if clientGone(ctx, err) {
			h.observeStream(plan.Model, metrics.OutcomeCancelled, start)
			logger.Info("client went away mid-stream", zap.Int("fragments", fragments))
			return
		}
		rephraseErr := errors.Classify(err, requestID, h.production)
		h.countError(rephraseErr.Code)
		h.observeStream(plan.Model, metrics.OutcomeFailed, start)
		errors.LogError(logger.With(zap.Int("fragments", fragments)), rephraseErr, requestID)
		relay.abort(rephraseErr)
		return
	}

	relay.end()
	h.observeStream(plan.Model, metrics.OutcomeCompleted, start)
	logger.Info("stream completed",
		zap.Int("fragments", fragments),
		zap.Duration("duration", time.Since(start)),
	)
}

func (h *ProcessHandler) fail(w http.ResponseWriter, logger *zap.Logger, err *errors.RephraseError) {
	h.countError(err.Code)
	errors.LogError(logger, err, err.RequestID)
	errors.WriteError(w, err)
}

func (h *ProcessHandler) countError(code errors.ErrorCode) {
	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(string(code)).Inc()
	}
}

func (h *ProcessHandler) observeStream(model, outcome string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.StreamsTotal.WithLabelValues(model, outcome).Inc()
	h.metrics.StreamDuration.WithLabelValues(model, outcome).Observe(time.Since(start).Seconds())
}

func (h *ProcessHandler) countTokens(logger *zap.Logger, req processing.Request, plan processing.Plan) {
	if h.tokens == nil {
		return
	}
	n := h.tokens.CountMessages(plan.Messages)
	if h.metrics != nil {
		h.metrics.PromptTokens.WithLabelValues(string(req.Mode)).Observe(float64(n))
	}
	logger.Debug("prompt prepared",
		zap.Int("prompt_tokens", n),
		zap.Int("max_tokens", plan.Parameters.MaxTokens),
		zap.Float64("temperature", plan.Parameters.Temperature),
	)
}

// clientGone reports whether err is the consequence of the caller
// cancelling the request rather than an upstream failure.
func clientGone(ctx context.Context, err error) bool {
	if !errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrUpstreamTimeout) {
		return false
	}
	return ctx.Err() != nil
}

// relay writes fragments in either plain text or SSE framing.
type relay struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	model string
	sse   bool
}

func newRelay(w http.ResponseWriter, r *http.Request, model string) *relay {
	return &relay{
		w:     w,
		rc:    http.NewResponseController(w),
		model: model,
		sse:   strings.Contains(r.Header.Get("Accept"), "text/event-stream"),
	}
}

// begin commits the success status and streaming headers.
func (rl *relay) begin() {
	h := rl.w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set(HeaderModel, rl.model)
	if rl.sse {
		h.Set("Content-Type", "text/event-stream")
	} else {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Trailer", strings.Join([]string{HeaderStreamErrorCode, HeaderStreamError, HeaderStreamErrorDetails}, ", "))
	}
	rl.w.WriteHeader(http.StatusOK)
	_ = rl.rc.Flush()
}

type sseFragment struct {
	Text string `json:"text"`
}

func (rl *relay) fragment(text string) error {
	var err error
	if rl.sse {
		err = rl.event("", sseFragment{Text: text})
	} else {
		_, err = rl.w.Write([]byte(text))
	}
	if err != nil {
		return err
	}
	if err := rl.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (rl *relay) end() {
	if rl.sse {
		_ = rl.event("done", map[string]string{"model": rl.model})
		_ = rl.rc.Flush()
	}
}

func (rl *relay) abort(err *errors.RephraseError) {
	if rl.sse {
		_ = rl.event("error", err.Response())
		_ = rl.rc.Flush()
		return
	}
	rl.w.Header().Set(HeaderStreamErrorCode, string(err.Code))
	rl.w.Header().Set(HeaderStreamError, err.Message)
	if len(err.Details) > 0 {
		// Compact JSON, so the value stays on one trailer line.
		if details, mErr := json.Marshal(err.Details); mErr == nil {
			rl.w.Header().Set(HeaderStreamErrorDetails, string(details))
		}
	}
}

func (rl *relay) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(rl.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(rl.w, "data: %s\n\n", data)
	return err
}
