package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/apperrors"
)

// respondError maps a taxonomy error onto the HTTP boundary. Ambiguous
// references carry their candidate list so clients can render a picker.
func respondError(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)
	payload := fiber.Map{"error": apperrors.MessageOf(err)}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && len(appErr.Candidates) > 0 {
		payload["candidates"] = appErr.Candidates
	}
	if status >= fiber.StatusInternalServerError {
		log.Printf("❌ [HTTP] %s %s: %v", c.Method(), c.Path(), err)
		payload["error"] = "internal server error"
	}
	return c.Status(status).JSON(payload)
}
