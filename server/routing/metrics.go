package routing

import (
	"net/http"

	"github.com/teilomillet/rephrase/server/metrics"
)

// Handler names referenced from route config.
const (
	HandlerProcess = "process"
	HandlerHealth  = "health"
	HandlerMetrics = "metrics"
)

// Handlers returns the named handler set for the configured routes. The
// metrics handler serves m's registry in the Prometheus text format.
func Handlers(process, health http.Handler, m *metrics.Metrics) map[string]http.Handler {
	return map[string]http.Handler{
		HandlerProcess: process,
		HandlerHealth:  health,
		HandlerMetrics: m.Handler(),
	}
}
