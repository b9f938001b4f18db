package handler

import (
	"net/http"

	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type HealthHandler struct {
	Gate *service.HealthGate
}

// Healthz probes the gateway once and reports the result.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	res := h.Gate.Check(r.Context())
	status := http.StatusOK
	if !res.Reachable {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"gateway_reachable": res.Reachable,
		"latency_ms":        res.Latency.Milliseconds(),
		"checked_at":        res.CheckedAt,
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	WriteJSON(w, status, body)
}
