package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

type MetaHandler struct {
	mode    string
	started time.Time
}

func NewMetaHandler(mode string) *MetaHandler {
	return &MetaHandler{mode: mode, started: time.Now()}
}

func (h *MetaHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service":       "appforge",
		"status":        "ok",
		"dispatch_mode": h.mode,
		"endpoints": []string{
			"POST /api-endpoint",
			"GET /health",
			"GET /api/v1/runs/:id",
			"GET /api/v1/runs?task=",
			"GET /ws/runs/:id",
			"GET /metrics",
		},
	})
}

func (h *MetaHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
