package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/config"
	"github.com/courier-chat/courier-server/internal/gateway"
	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/registry"
	"github.com/courier-chat/courier-server/internal/user"
)

func TestUpgradeRejectsPlainRequests(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New(nil)
	reg := registry.New(user.NewMemoryRepository(), registry.Config{
		MaxTotalConnections:     10,
		InactivityThreshold:     time.Hour,
		InactivityCheckInterval: time.Hour,
	}, m, zerolog.Nop())
	hub := gateway.NewHub(&config.Config{
		MaxTotalConnections:   10,
		InactivityThreshold:   time.Hour,
		DefaultRequestTimeout: time.Second,
	}, reg, rdb, m, zerolog.Nop())

	app := fiber.New()
	app.Get("/ws", NewGatewayHandler(hub).Upgrade)

	resp, err := app.Test(httptest.NewRequest("GET", "/ws", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}
