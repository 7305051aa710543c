// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
)

// Pinger is the connectivity check of the meeting store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubStats reports live counters from the signaling hub.
type HubStats interface {
	RoomCount() int
	ConnectionCount() int
}

// Handler manages health check endpoints.
type Handler struct {
	store Pinger   // nil when the hub runs without a store
	hub   HubStats // nil in tests that probe the store only
}

// NewHandler creates a health check handler.
func NewHandler(store Pinger, hub HubStats) *Handler {
	return &Handler{store: store, hub: hub}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Stats     map[string]int    `json:"stats,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive;
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when all
// configured dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	var stats map[string]int
	if h.hub != nil {
		stats = map[string]int{
			"rooms":       h.hub.RoomCount(),
			"connections": h.hub.ConnectionCount(),
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Stats:     stats,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkStore pings the meeting store. A hub running without a store is
// healthy; there is nothing to be ready for.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Store health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
