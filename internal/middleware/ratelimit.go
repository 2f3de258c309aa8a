package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalMax        int
	GlobalExpiration time.Duration

	// Authenticated endpoint limits (per user ID)
	AuthenticatedMax        int
	AuthenticatedExpiration time.Duration

	// Chat limits: each turn may invoke the model, keep it tighter
	ChatMax        int
	ChatExpiration time.Duration

	// Login/register limits (per IP) against credential stuffing
	AuthAttemptMax        int
	AuthAttemptExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalMax:        200,
		GlobalExpiration: 1 * time.Minute,

		AuthenticatedMax:        60,
		AuthenticatedExpiration: 1 * time.Minute,

		ChatMax:        20,
		ChatExpiration: 1 * time.Minute,

		AuthAttemptMax:        10,
		AuthAttemptExpiration: 15 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_AUTHENTICATED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.AuthenticatedMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_CHAT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ChatMax = n
		}
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalMax = 1000
		config.ChatMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// GlobalRateLimiter creates a per-IP rate limiter for all API requests
func GlobalRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalMax,
		Expiration: config.GlobalExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(config.GlobalExpiration.Seconds()),
			})
		},
	})
}

// AuthenticatedRateLimiter limits authenticated endpoints per user ID
func AuthenticatedRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AuthenticatedMax,
		Expiration: config.AuthenticatedExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := OwnerID(c); userID != "" {
				return "auth:" + userID
			}
			return "auth-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Limit reached for user: %s on %s", OwnerID(c), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please wait before trying again.",
				"retry_after": int(config.AuthenticatedExpiration.Seconds()),
			})
		},
	})
}

// ChatRateLimiter limits chat turns per user; a turn can cost a model call
func ChatRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ChatMax,
		Expiration: config.ChatExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := OwnerID(c); userID != "" {
				return "chat:" + userID
			}
			return "chat-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Chat limit reached for user: %s", OwnerID(c))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Chat rate limit reached. Please wait before sending more messages.",
				"retry_after": int(config.ChatExpiration.Seconds()),
			})
		},
	})
}

// AuthAttemptRateLimiter limits login/register attempts per IP
func AuthAttemptRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AuthAttemptMax,
		Expiration: config.AuthAttemptExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "login:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Auth attempt limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many authentication attempts. Please try again later.",
				"retry_after": int(config.AuthAttemptExpiration.Seconds()),
			})
		},
	})
}
