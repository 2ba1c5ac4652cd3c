// Package circuitbreaker wraps sony/gobreaker with logging, Prometheus
// metrics and a two-step API suited to streams, whose outcome is only known
// after the last fragment.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = gobreaker.ErrOpenState

	// ErrTooManyRequests is returned when the half-open probe quota is used up
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// Config holds configuration for the circuit breaker
type Config struct {
	Name             string
	MaxRequests      uint32        // Requests allowed through while half-open
	Interval         time.Duration // Cyclic period of the closed state for clearing counts
	Timeout          time.Duration // Open period before moving to half-open
	FailureThreshold uint32        // Consecutive failures that trip the breaker
	TestMode         bool          // Skip metric registration in test mode

	// IsFailure decides whether an error counts against the breaker.
	// Nil means every non-nil error counts.
	IsFailure func(error) bool
}

// CircuitBreaker guards calls to one upstream.
type CircuitBreaker struct {
	name      string
	cb        *gobreaker.TwoStepCircuitBreaker
	isFailure func(error) bool
	logger    *zap.Logger

	// Metrics
	stateGauge    prometheus.Gauge
	failuresCount prometheus.Counter
	tripsTotal    prometheus.Counter
}

// NewCircuitBreaker creates a breaker and registers its metrics with registry
// unless TestMode is set or registry is nil.
func NewCircuitBreaker(cfg Config, logger *zap.Logger, registry *prometheus.Registry) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}
	if cfg.FailureThreshold == 0 {
		return nil, fmt.Errorf("circuit breaker %s: failure threshold must be positive", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		name:      cfg.Name,
		isFailure: cfg.IsFailure,
		logger:    logger,
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}

	labels := prometheus.Labels{"name": cfg.Name}
	b.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "rephrase_circuit_breaker_state",
		Help:        "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		ConstLabels: labels,
	})
	b.failuresCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rephrase_circuit_breaker_failures_total",
		Help:        "Total number of failures recorded by the circuit breaker",
		ConstLabels: labels,
	})
	b.tripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rephrase_circuit_breaker_trips_total",
		Help:        "Total number of times the circuit breaker has tripped",
		ConstLabels: labels,
	})

	if !cfg.TestMode && registry != nil {
		for _, c := range []prometheus.Collector{b.stateGauge, b.failuresCount, b.tripsTotal} {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("register circuit breaker metrics for %s: %w", cfg.Name, err)
			}
		}
	}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})

	return b, nil
}

func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.stateGauge.Set(float64(to))
	if to == gobreaker.StateOpen {
		b.tripsTotal.Inc()
		b.logger.Warn("circuit breaker tripped",
			zap.String("name", name),
			zap.String("from", from.String()),
		)
		return
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("name", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Allow reserves a slot for a call whose outcome is reported later through
// done. done must be called exactly once; calling it more is a no-op.
func (b *CircuitBreaker) Allow() (done func(err error), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		return nil, err
	}
	reported := false
	return func(callErr error) {
		if reported {
			return
		}
		reported = true
		failed := b.isFailure(callErr)
		if failed {
			b.failuresCount.Inc()
		}
		report(!failed)
	}, nil
}

// Execute runs f if the breaker allows it and records the outcome.
func (b *CircuitBreaker) Execute(f func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = f()
	done(err)
	return err
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the internal counters of the current generation.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
