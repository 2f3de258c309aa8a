package handlers

import (
	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
	"taskpilot/internal/services"
	"taskpilot/internal/tools"
)

// ChatHandler serves the conversational endpoints
type ChatHandler struct {
	orchestrator *services.Orchestrator
	registry     *tools.Registry
}

func NewChatHandler(orchestrator *services.Orchestrator, registry *tools.Registry) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator, registry: registry}
}

// Chat processes one user turn.
// POST /api/chat
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	resp, err := h.orchestrator.Chat(c.Context(), middleware.OwnerID(c), req, c.Get("Idempotency-Key"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}

// Confirm resolves a pending tool call proposal.
// POST /api/chat/confirm
func (h *ChatHandler) Confirm(c *fiber.Ctx) error {
	var req models.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	resp, err := h.orchestrator.Confirm(c.Context(), middleware.OwnerID(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}

// ListTools publishes the registered tool contracts.
// GET /api/tools
func (h *ChatHandler) ListTools(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tools": h.registry.Schemas(),
		"count": h.registry.Count(),
	})
}

// DescribeTool publishes one tool's full contract.
// GET /api/tools/:name
func (h *ChatHandler) DescribeTool(c *fiber.Ctx) error {
	desc, ok := h.registry.Describe(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown tool"})
	}
	return c.JSON(desc)
}
