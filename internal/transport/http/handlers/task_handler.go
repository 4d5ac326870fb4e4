package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/appforge/backend/internal/core/services"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/metrics"
	"github.com/appforge/backend/internal/transport/http/dto"
)

type TaskHandler struct {
	gateway *services.GatewayService
	logger  *logger.Logger
}

func NewTaskHandler(gateway *services.GatewayService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{gateway: gateway, logger: logger}
}

// Submit is the inbound webhook. The secret is checked before the body is
// validated so unauthenticated callers learn nothing about the schema.
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req dto.TaskRequestBody
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_submit_body_parse_failed", "error", err)
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if err := h.gateway.Authenticate(req.Secret); err != nil {
		h.logger.Warnw("task_submit_invalid_secret", "task", req.Task, "ip", c.IP())
		metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
			Error: "Invalid secret",
		})
	}

	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("task_submit_validation_failed", "task", req.Task, "details", errs)
		metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	task := req.ToDomain()
	h.logger.Infow("task_submit_request", "task", task.Task, "round", task.Round, "nonce", task.Nonce)

	res, err := h.gateway.SubmitAuthenticated(c.UserContext(), task)
	if err != nil {
		h.logger.Errorw("task_submit_failed", "task", task.Task, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}

	switch res.Disposition {
	case services.DispositionDuplicate:
		return c.JSON(dto.AckResponse{
			Status: "ok",
			Note:   "duplicate handled & re-notified",
		})

	case services.DispositionInProgress:
		return c.JSON(dto.AckResponse{
			Status: "accepted",
			Note:   fmt.Sprintf("processing round %d already in progress", task.Round),
			RunID:  res.Run.ID,
		})

	case services.DispositionCompleted:
		return c.JSON(dto.SyncSuccessResponse{
			Status:    "success",
			Task:      task.Task,
			Round:     task.Round,
			RepoURL:   res.Outcome.RepoURL,
			PagesURL:  res.Outcome.PagesURL,
			CommitSHA: res.Outcome.CommitSHA,
			Message:   fmt.Sprintf("Round %d completed", task.Round),
			RunID:     res.Run.ID,
		})

	case services.DispositionFailed:
		return c.Status(fiber.StatusInternalServerError).JSON(dto.SyncErrorResponse{
			Status:  "error",
			Message: res.Err.Error(),
			Task:    task.Task,
			RunID:   res.Run.ID,
		})

	default:
		return c.JSON(dto.AckResponse{
			Status: "accepted",
			Note:   fmt.Sprintf("processing round %d started", task.Round),
			RunID:  res.Run.ID,
		})
	}
}
