package handler

import (
	"net/http"

	"github.com/yesmonga/voiture-radar/internal/ratelimit"
	"github.com/yesmonga/voiture-radar/internal/realtime"
	"github.com/yesmonga/voiture-radar/internal/runner"
)

// DebugHandler exposes runtime internals in development.
type DebugHandler struct {
	runner  *runner.Runner
	limiter *ratelimit.Limiter
	broker  *realtime.Broker
}

func NewDebugHandler(run *runner.Runner, limiter *ratelimit.Limiter, broker *realtime.Broker) *DebugHandler {
	return &DebugHandler{runner: run, limiter: limiter, broker: broker}
}

// RunnerStats returns the runner's cumulative counters.
func (h *DebugHandler) RunnerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Stats())
}

// BreakerStatus returns the circuit breaker state per source.
func (h *DebugHandler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.StatusAll())
}

// AllStats combines the debug views.
func (h *DebugHandler) AllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runner":   h.runner.Stats(),
		"breakers": h.limiter.StatusAll(),
		"sse": map[string]int{
			"subscribers": h.broker.SubscriberCount(),
		},
	})
}
