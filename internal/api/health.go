// Package api holds the HTTP handlers: health, Prometheus metrics, and the
// WebSocket upgrade.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/courier-chat/courier-server/internal/httputil"
	"github.com/courier-chat/courier-server/internal/metrics"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db      *pgxpool.Pool
	rdb     *redis.Client
	metrics *metrics.Metrics
}

// NewHealthHandler creates a health handler. db may be nil when the in-memory
// persistence backend is active.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, metrics: m}
}

// Health pings the backing stores and returns overall status with the
// connection counters.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	overall := "ok"
	status := fiber.StatusOK

	components := fiber.Map{}
	if h.db != nil {
		pgStatus := "ok"
		if err := h.db.Ping(ctx); err != nil {
			pgStatus = "unavailable"
			overall = "degraded"
			status = fiber.StatusServiceUnavailable
		}
		components["postgres"] = pgStatus
	}
	if h.rdb != nil {
		redisStatus := "ok"
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "unavailable"
			overall = "degraded"
			status = fiber.StatusServiceUnavailable
		}
		components["redis"] = redisStatus
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":     overall,
		"message":    "Courier server",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
		"metrics":    h.metrics.Snapshot(),
	})
}
