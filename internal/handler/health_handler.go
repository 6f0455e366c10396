package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/opsdash/dispatch-engine/internal/service"
)

const readinessTimeout = 2 * time.Second

type HealthReporter interface {
	Health(ctx context.Context) service.SystemHealth
	Alerts(ctx context.Context) []service.Alert
}

func RegisterHealthRoutes(app fiber.Router, checks []service.DependencyCheck) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks))
}

// RegisterSystemRoutes mounts the provider health and alert views.
func RegisterSystemRoutes(router fiber.Router, reporter HealthReporter) {
	system := router.Group("/v1/system")
	system.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(reporter.Health(c.UserContext()))
	})
	system.Get("/alerts", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"alerts": reporter.Alerts(c.UserContext()),
		})
	})
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler pings every dependency and reports 503 if any is down.
func ReadyzHandler(checks []service.DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		status := "ready"
		statusCode := fiber.StatusOK
		results := fiber.Map{}
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				results[check.Name] = "down"
				status = "not_ready"
				statusCode = fiber.StatusServiceUnavailable
				continue
			}
			results[check.Name] = "ok"
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
