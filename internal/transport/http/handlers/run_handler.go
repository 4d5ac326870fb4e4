package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/appforge/backend/internal/core/services"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/transport/http/dto"
)

type RunHandler struct {
	registry *services.TaskService
	logger   *logger.Logger
}

func NewRunHandler(registry *services.TaskService, logger *logger.Logger) *RunHandler {
	return &RunHandler{registry: registry, logger: logger}
}

func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	id := c.Params("id")
	run, err := h.registry.GetRun(id)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "run not found",
			})
		}
		h.logger.Errorw("run_get_failed", "id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(dto.RunToResponse(*run))
}

func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	task := c.Query("task")
	if task == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "task query parameter is required",
		})
	}
	return c.JSON(dto.RunsToResponse(h.registry.ListByTask(task)))
}

// Stream pushes run snapshots over the websocket until the run is terminal
// or the client goes away.
func (h *RunHandler) Stream(c *websocket.Conn) {
	id := c.Params("id")
	defer c.Close()

	updates, cancel, err := h.registry.Watch(id)
	if err != nil {
		h.logger.Warnw("run_stream_not_found", "id", id)
		c.WriteJSON(dto.ErrorResponse{Error: "run not found"})
		return
	}
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Infow("run_stream_start", "id", id)
	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("run_stream_client_gone", "id", id)
			return
		case run, ok := <-updates:
			if !ok {
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				h.logger.Infow("run_stream_done", "id", id)
				return
			}
			if err := c.WriteJSON(dto.RunToResponse(run)); err != nil {
				h.logger.Warnw("run_stream_write_failed", "id", id, "error", err)
				return
			}
		}
	}
}
