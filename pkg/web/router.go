package web

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp builds the fiber application with all routes mounted.
func NewApp(h *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Fabriq API")
	})

	app.Get("/health", h.HealthCheck)

	w := app.Group("/workflows")
	w.Put("/:id", h.SaveWorkflow)
	w.Get("/:id", h.GetWorkflow)

	e := app.Group("/executions")
	e.Post("/", h.StartExecution)
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	app.Post("/webhooks/:provider", h.ReceiveWebhook)

	admin := app.Group("/admin")
	admin.Get("/queue", h.GetQueueStats)
	admin.Get("/webhooks", h.GetRecentWebhooks)
	admin.Post("/tasks/:id/force-complete", h.ForceCompleteTask)

	return app
}

// HealthCheck reports storage reachability.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
