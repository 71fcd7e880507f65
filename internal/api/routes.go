package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/quizpilot/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	RateLimitBurst    int           // requests per second
	IdempotencyTTL    time.Duration // TTL for idempotency keys
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,
		RateLimitBurst:    20,
		IdempotencyTTL:    time.Hour,
	}
}

// SetupRoutes configures all routes of the control API. Background cleanup
// of the security stores stops when ctx is done.
func SetupRoutes(ctx context.Context, app *fiber.App, ctrl Controller, config RouteConfig) {
	handler := NewHandler(ctrl)

	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          config.RateLimitBurst,
	})
	idempotencyStore := security.NewIdempotencyStore(config.IdempotencyTTL)
	go rateLimiter.Run(ctx)
	go idempotencyStore.Run(ctx)

	// Health check (no rate limit)
	app.Get("/health", handler.HealthCheck)

	api := app.Group("/api")
	api.Use(security.SecurityHeadersMiddleware())

	// Streams are long lived, they stay out of the rate limit.
	api.Get("/events", handler.StreamEvents)
	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(handler.HandleWebSocket))

	api.Use(security.RateLimitMiddleware(rateLimiter))

	api.Get("/status", handler.Status)
	api.Post("/runs", security.IdempotencyMiddleware(idempotencyStore), handler.StartRun)
	api.Post("/runs/stop", handler.StopRun)
	api.Post("/runs/manual-done", handler.ManualDone)
	api.Get("/runs/history", handler.History)
	api.Delete("/credentials", handler.ClearCredentials)
}
