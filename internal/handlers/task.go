package handlers

import (
	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
)

// TaskHandler serves the plain CRUD surface over the task store. It observes
// the same ownership rules as the conversational path.
type TaskHandler struct {
	tasks *store.TaskStore
}

func NewTaskHandler(tasks *store.TaskStore) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// List returns the caller's tasks. ?status=all|pending|completed filters.
// GET /api/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	filter := models.ParseStatusFilter(c.Query("status"))
	tasks, err := h.tasks.List(c.Context(), middleware.OwnerID(c), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Create adds a task.
// POST /api/tasks
func (h *TaskHandler) Create(c *fiber.Ctx) error {
	var req models.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	task, err := h.tasks.Create(c.Context(), middleware.OwnerID(c), req.Title, req.Description)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

// Get returns one task.
// GET /api/tasks/:id
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	task, err := h.tasks.Get(c.Context(), middleware.OwnerID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Update changes title, description and/or completion.
// PATCH /api/tasks/:id
func (h *TaskHandler) Update(c *fiber.Ctx) error {
	var req models.UpdateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	task, err := h.tasks.Update(c.Context(), middleware.OwnerID(c), c.Params("id"), models.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Complete marks a task completed.
// POST /api/tasks/:id/complete
func (h *TaskHandler) Complete(c *fiber.Ctx) error {
	task, err := h.tasks.SetCompleted(c.Context(), middleware.OwnerID(c), c.Params("id"), true)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Delete removes a task.
// DELETE /api/tasks/:id
func (h *TaskHandler) Delete(c *fiber.Ctx) error {
	if err := h.tasks.Delete(c.Context(), middleware.OwnerID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
