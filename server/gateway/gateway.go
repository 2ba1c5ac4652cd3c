package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/circuitbreaker"
)

// Gateway routes calls to the provider that serves the requested model,
// through that provider's circuit breaker, and bounds every upstream wait.
// It performs no retries.
type Gateway struct {
	providers map[string]Provider
	breakers  map[string]*circuitbreaker.CircuitBreaker
	models    atomic.Pointer[config.ModelsConfig]
	timeouts  config.GatewayConfig
	logger    *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBreaker guards the named provider with cb.
func WithBreaker(provider string, cb *circuitbreaker.CircuitBreaker) Option {
	return func(g *Gateway) {
		g.breakers[provider] = cb
	}
}

// New creates a gateway over explicitly constructed providers, keyed by
// provider name as referenced from the model catalog.
func New(providers map[string]Provider, models config.ModelsConfig, timeouts config.GatewayConfig, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		providers: providers,
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
		timeouts:  timeouts,
		logger:    logger,
	}
	g.models.Store(&models)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewFromConfig builds one adapter and one breaker per configured provider.
func NewFromConfig(cfg *config.Config, httpClient *http.Client, logger *zap.Logger, registry *prometheus.Registry) (*Gateway, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	var opts []Option

	for name, pc := range cfg.Providers {
		switch pc.Type {
		case config.ProviderOpenAI:
			providers[name] = NewOpenAIProvider(name, pc, httpClient)
		case config.ProviderAnthropic:
			providers[name] = NewAnthropicProvider(name, pc, httpClient)
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", name, pc.Type)
		}

		if !cfg.CircuitBreaker.Enabled {
			continue
		}
		cb, err := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			Name:             name,
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			IsFailure:        CountsAsFailure,
		}, logger, registry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithBreaker(name, cb))
	}

	return New(providers, cfg.Models, cfg.Gateway, logger, opts...), nil
}

// UpdateModels swaps the model catalog used to resolve providers.
func (g *Gateway) UpdateModels(models config.ModelsConfig) {
	g.models.Store(&models)
}

// Providers returns the configured providers by name.
func (g *Gateway) Providers() map[string]Provider {
	return g.providers
}

// Breaker returns the breaker guarding the named provider, if any.
func (g *Gateway) Breaker(provider string) *circuitbreaker.CircuitBreaker {
	return g.breakers[provider]
}

// CountsAsFailure reports whether err indicates an unhealthy upstream:
// 5xx responses, timeouts and transport failures. Client errors and
// caller cancellation do not count.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *errors.ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= http.StatusInternalServerError
	}
	var re *errors.RephraseError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, context.Canceled) && !errors.Is(err, errors.ErrUpstreamTimeout) {
		return false
	}
	return true
}

// Open resolves the provider for call.Model and opens a stream. The connect
// timeout bounds opening the stream up to its first non-empty fragment. Each
// later fragment wait is bounded by the idle timeout. Either expiry surfaces
// as errors.ErrUpstreamTimeout.
// Cancelling ctx cancels the upstream request.
func (g *Gateway) Open(ctx context.Context, call Call) (Stream, error) {
	entry, ok := g.models.Load().Lookup(call.Model)
	if !ok {
		return nil, fmt.Errorf("gateway: no catalog entry for model %q", call.Model)
	}
	provider, ok := g.providers[entry.Provider]
	if !ok {
		return nil, fmt.Errorf("gateway: provider %q for model %q is not configured", entry.Provider, call.Model)
	}
	if !provider.HasCredential() {
		return nil, errors.NewMissingAPIKeyError("", entry.Provider)
	}

	done := func(error) {}
	if cb := g.breakers[entry.Provider]; cb != nil {
		d, err := cb.Allow()
		if err != nil {
			g.logger.Warn("circuit breaker rejected call",
				zap.String("provider", entry.Provider),
				zap.Error(err),
			)
			return nil, &errors.ProviderError{
				Provider:   entry.Provider,
				StatusCode: http.StatusServiceUnavailable,
				Code:       "circuit_open",
				Message:    err.Error(),
			}
		}
		done = d
	}

	streamCtx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if g.timeouts.ConnectTimeout > 0 {
		timer = time.AfterFunc(g.timeouts.ConnectTimeout, func() {
			cancel(errors.ErrUpstreamTimeout)
		})
	}

	inner, err := provider.Open(streamCtx, call)
	if err != nil {
		if timer != nil {
			timer.Stop()
		}
		err = translate(streamCtx, err)
		done(err)
		cancel(nil)
		g.logger.Debug("open stream failed",
			zap.String("provider", entry.Provider),
			zap.String("model", call.Model),
			zap.Error(err),
		)
		return nil, err
	}

	return &guardedStream{
		inner:   inner,
		ctx:     streamCtx,
		cancel:  cancel,
		connect: timer,
		idle:    g.timeouts.IdleTimeout,
		done:    done,
	}, nil
}

// translate attributes a failure to a gateway deadline when one caused it.
func translate(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, errors.ErrUpstreamTimeout) {
		return err
	}
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errors.ErrUpstreamTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errors.ErrUpstreamTimeout, err)
	}
	return err
}

// guardedStream applies the connect timeout until the first fragment and
// the idle timeout after it. It filters empty fragments and reports the
// final outcome to the breaker.
type guardedStream struct {
	inner   Stream
	ctx     context.Context
	cancel  context.CancelCauseFunc
	connect *time.Timer
	idle    time.Duration
	done    func(error)

	finished bool
	err      error
}

func (s *guardedStream) Next() bool {
	if s.finished {
		return false
	}

	for {
		var timer *time.Timer
		if s.idle > 0 && s.connect == nil {
			timer = time.AfterFunc(s.idle, func() {
				s.cancel(errors.ErrUpstreamTimeout)
			})
		}
		ok := s.inner.Next()
		if timer != nil {
			timer.Stop()
		}

		if !ok {
			s.finish(translate(s.ctx, s.inner.Err()))
			return false
		}
		if s.inner.Fragment() != "" {
			if !s.stopConnect() {
				// The deadline fired as the first fragment arrived.
				s.finish(errors.ErrUpstreamTimeout)
				return false
			}
			return true
		}
	}
}

// stopConnect disarms the connect timer and reports whether it had not
// fired yet.
func (s *guardedStream) stopConnect() bool {
	if s.connect == nil {
		return true
	}
	stopped := s.connect.Stop()
	s.connect = nil
	return stopped
}

func (s *guardedStream) finish(err error) {
	s.stopConnect()
	s.finished = true
	s.err = err
	s.done(err)
}

func (s *guardedStream) Fragment() string { return s.inner.Fragment() }
func (s *guardedStream) Err() error       { return s.err }

func (s *guardedStream) Close() error {
	if !s.finished {
		// Abandoned by the caller; the upstream was healthy so far.
		s.finish(nil)
	}
	s.cancel(context.Canceled)
	return s.inner.Close()
}
