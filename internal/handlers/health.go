package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
)

// Version is reported by the health endpoint; set at build time
var Version = "dev"

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a new health handler. A nil database means the
// gateway runs in pass-through mode.
func NewHealthHandler(database Pinger) *HealthHandler {
	return &HealthHandler{db: database}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Timestamp int64             `json:"timestamp"`
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/live", h.Liveness)
	app.Get("/health/ready", h.Readiness)
}

// Health returns the full health status
func (h *HealthHandler) Health(c fiber.Ctx) error {
	services := map[string]string{
		"proxy":    "up",
		"database": h.checkDatabase(c.Context()),
	}

	status := "healthy"
	if services["database"] != "up" {
		status = "degraded"
	}

	return c.JSON(HealthResponse{
		Status:    status,
		Version:   Version,
		Services:  services,
		Timestamp: time.Now().Unix(),
	})
}

// Liveness returns liveness probe status
func (h *HealthHandler) Liveness(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "alive",
	})
}

// Readiness fails only when a configured database stops answering.
// Pass-through mode is ready.
func (h *HealthHandler) Readiness(c fiber.Ctx) error {
	if dbStatus := h.checkDatabase(c.Context()); dbStatus == "down" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "not_ready",
			"reason":   "database_unavailable",
			"database": dbStatus,
		})
	}

	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

func (h *HealthHandler) checkDatabase(parent context.Context) string {
	if h.db == nil {
		return "not_configured"
	}

	ctx, cancel := context.WithTimeout(parent, 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}
