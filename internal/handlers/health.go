package handlers

import (
	"net/http"

	"github.com/samirobaid01/aemos-core/internal/devices"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/tokencache"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// HealthHandler handles liveness and readiness probes.
type HealthHandler struct {
	repo  *repository.Repositories
	cache *tokencache.Cache
	devs  *devices.Service
	log   *logger.Logger
}

// Check handles the basic liveness probe.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "aemos-core",
	})
}

// Ready verifies the database and cache are reachable before
// reporting ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := h.repo.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.cache.EnsureConnection(r.Context()); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"status": "ready", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.devs != nil {
		body["devices"] = h.devs.HealthSummary()
	}
	respondJSON(w, status, body)
}
