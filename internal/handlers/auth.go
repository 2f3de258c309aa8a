package handlers

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
	"taskpilot/internal/store"
	"taskpilot/pkg/auth"
)

// AuthHandler serves registration, login and token refresh
type AuthHandler struct {
	users   *store.UserStore
	jwtAuth *auth.JWTAuth
}

func NewAuthHandler(users *store.UserStore, jwtAuth *auth.JWTAuth) *AuthHandler {
	return &AuthHandler{users: users, jwtAuth: jwtAuth}
}

// Register creates a new account and returns a token pair
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return respondError(c, apperrors.Validation("a valid email is required"))
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return respondError(c, apperrors.Validation(err.Error()))
	}

	hash, err := h.jwtAuth.HashPassword(req.Password)
	if err != nil {
		return respondError(c, err)
	}
	user, err := h.users.Create(c.Context(), req.Email, req.Name, hash)
	if err != nil {
		return respondError(c, err)
	}

	log.Printf("✅ Registered user: %s", user.Email)
	return h.issueTokens(c, fiber.StatusCreated, user)
}

// Login verifies credentials and returns a token pair
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	user, err := h.users.GetByEmail(c.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		// Same response for unknown email and wrong password
		return respondError(c, apperrors.Authentication("invalid email or password"))
	}
	ok, err := h.jwtAuth.VerifyPassword(user.PasswordHash, req.Password)
	if err != nil || !ok {
		return respondError(c, apperrors.Authentication("invalid email or password"))
	}

	return h.issueTokens(c, fiber.StatusOK, user)
}

// Refresh exchanges a refresh token for a new token pair
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	claims, err := h.jwtAuth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return respondError(c, apperrors.Authentication("invalid refresh token"))
	}
	user, err := h.users.GetByID(c.Context(), claims.UserID)
	if err != nil {
		return respondError(c, apperrors.Authentication("account no longer exists"))
	}

	return h.issueTokens(c, fiber.StatusOK, user)
}

// Me returns the authenticated account
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user, err := h.users.GetByID(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

func (h *AuthHandler) issueTokens(c *fiber.Ctx, status int, user *models.User) error {
	access, refresh, err := h.jwtAuth.GenerateTokens(user.ID, user.Email)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(status).JSON(models.AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         user,
	})
}
