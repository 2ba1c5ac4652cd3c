// Package provider monitors the health of the configured completion
// providers with periodic one-shot probes. Health is informational: it is
// reported by GET /health and metrics and never blocks requests.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/config"
)

// Prober is the part of a gollm client used for probing.
type Prober interface {
	Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error)
}

// HealthStatus represents the current health state of a provider
type HealthStatus struct {
	Healthy          bool          `json:"healthy"`
	Checked          bool          `json:"checked"`
	LastCheck        time.Time     `json:"last_check,omitempty"`
	Latency          time.Duration `json:"latency_ns"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastError        string        `json:"last_error,omitempty"`
}

// Monitor probes providers on an interval and keeps their latest status.
type Monitor struct {
	probers map[string]Prober
	cfg     config.HealthCheckConfig
	logger  *zap.Logger

	mu       sync.RWMutex
	statuses map[string]HealthStatus

	healthy       *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
	checkErrors   *prometheus.CounterVec
}

var probePrompt = &gollm.Prompt{
	Messages: []gollm.PromptMessage{
		{Role: "user", Content: "health check"},
	},
}

// NewMonitor creates a monitor over probers keyed by provider name and
// registers its metrics.
func NewMonitor(cfg config.HealthCheckConfig, probers map[string]Prober, logger *zap.Logger, registry prometheus.Registerer) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		probers:  probers,
		cfg:      cfg,
		logger:   logger,
		statuses: make(map[string]HealthStatus, len(probers)),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rephrase_provider_healthy",
			Help: "Whether the last health probe of a provider succeeded (1) or failed (0)",
		}, []string{"provider"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rephrase_health_check_duration_seconds",
			Help:    "Duration of provider health probes",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		checkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rephrase_health_check_errors_total",
			Help: "Number of failed provider health probes",
		}, []string{"provider"}),
	}

	if registry != nil {
		for _, c := range []prometheus.Collector{m.healthy, m.checkDuration, m.checkErrors} {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("register health metrics: %w", err)
			}
		}
	}
	for name := range probers {
		m.statuses[name] = HealthStatus{}
	}
	return m, nil
}

// NewProbers builds one gollm client per provider that has a credential.
// Providers pointed at a custom base URL are not probed, since the probe
// client only talks to the provider's public endpoint.
func NewProbers(cfg *config.Config, logger *zap.Logger) (map[string]Prober, error) {
	probers := make(map[string]Prober)
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		if pc.BaseURL != "" && pc.BaseURL != config.DefaultOpenAIBaseURL {
			logger.Info("skipping health probe for provider with custom base URL",
				zap.String("provider", name),
				zap.String("base_url", pc.BaseURL),
			)
			continue
		}

		model := healthModel(cfg, name, pc)
		if model == "" {
			continue
		}
		client, err := gollm.NewLLM(
			gollm.SetProvider(pc.Type),
			gollm.SetModel(model),
			gollm.SetAPIKey(pc.APIKey),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize probe for provider %s: %w", name, err)
		}
		probers[name] = client
	}
	return probers, nil
}

// healthModel picks the configured probe model or the first catalog model
// served by the provider.
func healthModel(cfg *config.Config, name string, pc config.ProviderConfig) string {
	if pc.HealthModel != "" {
		return pc.HealthModel
	}
	for _, m := range cfg.Models.Catalog {
		if m.Provider == name {
			return m.Name
		}
	}
	return ""
}

// Run probes every provider immediately and then on each interval until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every provider concurrently and waits for the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range m.probers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.Check(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Check probes one provider, records the result and returns it.
func (m *Monitor) Check(ctx context.Context, name string) HealthStatus {
	prober, ok := m.probers[name]
	if !ok {
		return HealthStatus{}
	}

	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err := prober.Generate(probeCtx, probePrompt)
	latency := time.Since(start)
	m.checkDuration.WithLabelValues(name).Observe(latency.Seconds())

	m.mu.Lock()
	status := m.statuses[name]
	status.Checked = true
	status.LastCheck = start
	status.Latency = latency
	if err != nil {
		status.Healthy = false
		status.ConsecutiveFails++
		status.LastError = err.Error()
	} else {
		status.Healthy = true
		status.ConsecutiveFails = 0
		status.LastError = ""
	}
	m.statuses[name] = status
	m.mu.Unlock()

	if err != nil {
		m.checkErrors.WithLabelValues(name).Inc()
		m.healthy.WithLabelValues(name).Set(0)
		m.logger.Warn("Provider health check failed",
			zap.String("provider", name),
			zap.Error(err),
			zap.Duration("latency", latency),
			zap.Int("consecutive_fails", status.ConsecutiveFails),
		)
	} else {
		m.healthy.WithLabelValues(name).Set(1)
		m.logger.Debug("Provider health check passed",
			zap.String("provider", name),
			zap.Duration("latency", latency),
		)
	}
	return status
}

// Status returns the last recorded status of a provider.
func (m *Monitor) Status(name string) (HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Statuses returns a snapshot of every provider's status.
func (m *Monitor) Statuses() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Names returns the monitored provider names in sorted order.
func (m *Monitor) Names() []string {
	names := make([]string, 0, len(m.probers))
	for name := range m.probers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthyGauge returns the provider health gauge for testing
func (m *Monitor) HealthyGauge() *prometheus.GaugeVec {
	return m.healthy
}
