package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"voucher-system/services"
)

// HealthProber runs the store and Redis probes.
type HealthProber interface {
	ProbeHealth(ctx context.Context) error
	LastHealth() services.HealthReport
}

type HealthHandler struct {
	prober HealthProber
}

func NewHealthHandler(prober HealthProber) *HealthHandler {
	return &HealthHandler{prober: prober}
}

// Health - GET /health
func (h *HealthHandler) Health(e *core.RequestEvent) error {
	err := h.prober.ProbeHealth(e.Request.Context())
	report := h.prober.LastHealth()

	if err != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"checks": report.Checks,
			"error":  err.Error(),
		})
	}
	return e.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"checks": report.Checks,
	})
}
