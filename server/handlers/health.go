package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/teilomillet/rephrase/server/gateway"
	"github.com/teilomillet/rephrase/server/provider"
)

// ProviderHealth is the per-provider section of the health response.
type ProviderHealth struct {
	Credential       bool       `json:"credential"`
	Breaker          string     `json:"breaker,omitempty"`
	Monitored        bool       `json:"monitored"`
	Healthy          *bool      `json:"healthy,omitempty"`
	LastCheck        *time.Time `json:"last_check,omitempty"`
	LatencyMS        int64      `json:"latency_ms,omitempty"`
	ConsecutiveFails int        `json:"consecutive_fails,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version,omitempty"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// HealthHandler reports liveness and the last known provider state. It
// always answers 200 while the process is serving; "degraded" means some
// probed provider is failing or a provider's breaker is open.
type HealthHandler struct {
	gateway *gateway.Gateway
	monitor *provider.Monitor
	version string
}

// NewHealthHandler creates the health handler. monitor may be nil when
// health checks are disabled.
func NewHealthHandler(gw *gateway.Gateway, monitor *provider.Monitor, version string) *HealthHandler {
	return &HealthHandler{gateway: gw, monitor: monitor, version: version}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Providers: make(map[string]ProviderHealth),
	}

	if h.gateway != nil {
		names := make([]string, 0, len(h.gateway.Providers()))
		for name := range h.gateway.Providers() {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			p := h.gateway.Providers()[name]
			ph := ProviderHealth{Credential: p.HasCredential()}
			if cb := h.gateway.Breaker(name); cb != nil {
				state := cb.State()
				ph.Breaker = state.String()
				if state == gobreaker.StateOpen {
					resp.Status = "degraded"
				}
			}
			if h.monitor != nil {
				if s, ok := h.monitor.Status(name); ok {
					ph.Monitored = true
					if s.Checked {
						healthy := s.Healthy
						checked := s.LastCheck
						ph.Healthy = &healthy
						ph.LastCheck = &checked
						ph.LatencyMS = s.Latency.Milliseconds()
						ph.ConsecutiveFails = s.ConsecutiveFails
						if !healthy {
							resp.Status = "degraded"
						}
					}
				}
			}
			resp.Providers[name] = ph
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
