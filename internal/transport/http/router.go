package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/appforge/backend/internal/core/services"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
	"github.com/appforge/backend/internal/transport/http/handlers"
	httpmw "github.com/appforge/backend/internal/transport/http/middleware"
)

type RouterConfig struct {
	Gateway     *services.GatewayService
	Registry    *services.TaskService
	Logger      *logger.Logger
	AdminAPIKey string
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Gateway, cfg.Logger)
	runHandler := handlers.NewRunHandler(cfg.Registry, cfg.Logger)
	metaHandler := handlers.NewMetaHandler(cfg.Gateway.Mode())
	adminAuth := httpmw.AdminAuth(cfg.AdminAPIKey)

	app.Get("/", metaHandler.Root)
	app.Get("/health", metaHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Inbound task webhook
	app.Post("/api-endpoint", taskHandler.Submit)

	// Run status stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/runs/:id", adminAuth, websocket.New(runHandler.Stream))

	// API v1 routes
	api := app.Group("/api/v1")

	runs := api.Group("/runs", adminAuth)
	runs.Get("/", runHandler.ListRuns)
	runs.Get("/:id", runHandler.GetRun)
}
