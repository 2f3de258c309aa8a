package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/middleware"
	"taskpilot/internal/store"
)

// ConversationHandler serves the conversation management endpoints
type ConversationHandler struct {
	conversations *store.ConversationStore
}

func NewConversationHandler(conversations *store.ConversationStore) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// List returns the caller's conversations, most recently active first.
// GET /api/conversations
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	conversations, err := h.conversations.ListConversations(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// Create starts an empty conversation.
// POST /api/conversations
func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	conv, err := h.conversations.CreateConversation(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// Get returns one conversation.
// GET /api/conversations/:id
func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	conv, err := h.conversations.GetConversation(c.Context(), middleware.OwnerID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// Latest returns the most recently active conversation.
// GET /api/conversations/latest
func (h *ConversationHandler) Latest(c *fiber.Ctx) error {
	conv, err := h.conversations.GetLatestConversation(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// Messages returns the conversation's messages in chronological order with
// their tool call records. ?limit=N returns only the latest N.
// GET /api/conversations/:id/messages
func (h *ConversationHandler) Messages(c *fiber.Ctx) error {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}

	messages, err := h.conversations.ListMessages(c.Context(), middleware.OwnerID(c), c.Params("id"), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"messages": messages,
		"count":    len(messages),
	})
}

// Clear removes all messages from a conversation but keeps the conversation.
// POST /api/conversations/:id/clear
func (h *ConversationHandler) Clear(c *fiber.Ctx) error {
	deleted, err := h.conversations.ClearMessages(c.Context(), middleware.OwnerID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

// Delete removes a conversation and everything in it.
// DELETE /api/conversations/:id
func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	if err := h.conversations.DeleteConversation(c.Context(), middleware.OwnerID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteMessage removes a single message.
// DELETE /api/conversations/:id/messages/:messageId
func (h *ConversationHandler) DeleteMessage(c *fiber.Ctx) error {
	err := h.conversations.DeleteMessage(c.Context(), middleware.OwnerID(c), c.Params("id"), c.Params("messageId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
