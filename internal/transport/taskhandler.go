package transport

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/zj1123581321/youtube-download-api/internal/api"
	"github.com/zj1123581321/youtube-download-api/internal/model"
	"github.com/zj1123581321/youtube-download-api/internal/orchestrator"
)

type TaskHandler struct {
	svc *orchestrator.Service
}

func NewTaskHandler(svc *orchestrator.Service) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// Create accepts a download request. 201 when a new task was enqueued, 200
// when the request was served from cache or attached to an existing task.
func (h *TaskHandler) Create(c *fiber.Ctx) error {
	var req api.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.VideoURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "video_url is required"})
	}

	resp, created, err := h.svc.Create(c.Context(), req)
	if err != nil {
		return mapErr(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(resp)
}

func (h *TaskHandler) Get(c *fiber.Ctx) error {
	resp, err := h.svc.Get(c.Context(), c.Params("id"))
	if err != nil {
		return mapErr(c, err)
	}
	return c.JSON(resp)
}

func (h *TaskHandler) List(c *fiber.Ctx) error {
	var status *model.TaskStatus
	if s := c.Query("status"); s != "" {
		ts := model.TaskStatus(s)
		switch ts {
		case model.StatusPending, model.StatusDownloading, model.StatusCompleted,
			model.StatusFailed, model.StatusCancelled:
			status = &ts
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown status filter"})
		}
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	resp, err := h.svc.List(c.Context(), status, limit, offset)
	if err != nil {
		return mapErr(c, err)
	}
	return c.JSON(resp)
}

func (h *TaskHandler) Cancel(c *fiber.Ctx) error {
	if err := h.svc.Cancel(c.Context(), c.Params("id")); err != nil {
		return mapErr(c, err)
	}
	return c.JSON(fiber.Map{"status": "cancelled"})
}

func mapErr(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
	case errors.Is(err, orchestrator.ErrInvalidURL):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "not a recognizable video url"})
	case errors.Is(err, orchestrator.ErrInvalidMode):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "at least one of audio or transcript must be requested"})
	case errors.Is(err, orchestrator.ErrNotCancellable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "only pending tasks can be cancelled"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "something went wrong"})
	}
}
