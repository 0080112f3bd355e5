package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/logging"
)

// Pinger reports backend connectivity; the state store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints
type Handler struct {
	state Pinger
}

// NewHandler creates a new health check handler. state may be nil when the
// process runs on the in-memory backend.
func NewHandler(state Pinger) *Handler {
	return &Handler{state: state}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the state backend is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"state": h.checkState(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	if checks["state"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkState verifies connectivity to the state backend.
func (h *Handler) checkState(ctx context.Context) string {
	if h.state == nil {
		return "healthy"
	}
	if err := h.state.Ping(ctx); err != nil {
		logging.Error(ctx, "State backend health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
