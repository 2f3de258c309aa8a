package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	DatabasePath string // SQLite database file path

	// JWT auth
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	// Assistant provider (OpenAI-compatible). Empty BaseURL selects the
	// built-in rule-based engine.
	ModelBaseURL  string
	ModelAPIKey   string
	ModelID       string
	ModelTimeout  time.Duration
	ModelRetryMax int

	// Confirmation policy: auto-execute non-destructive mutations
	// (update_task, complete_task) when the target was resolved with full
	// confidence. delete_task always requires explicit confirmation.
	AutoConfirmMutations bool

	// Proposals older than this are treated as abandoned: reported but never
	// auto-executed.
	ConfirmationWindow time.Duration

	// Context window: how many trailing messages are replayed to the model
	HistoryLimit int

	// Idempotency-Key cache TTL for the chat endpoint
	IdempotencyTTL time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "taskpilot.db"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		AccessTokenExpiry:  getDurationEnv("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
		RefreshTokenExpiry: getDurationEnv("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),

		ModelBaseURL:  getEnv("MODEL_BASE_URL", ""),
		ModelAPIKey:   getEnv("MODEL_API_KEY", ""),
		ModelID:       getEnv("MODEL_ID", "gpt-4o-mini"),
		ModelTimeout:  getDurationEnv("MODEL_TIMEOUT", 60*time.Second),
		ModelRetryMax: getIntEnv("MODEL_RETRY_MAX", 1),

		AutoConfirmMutations: getBoolEnv("AUTO_CONFIRM_MUTATIONS", true),
		ConfirmationWindow:   getDurationEnv("CONFIRMATION_WINDOW", 15*time.Minute),
		HistoryLimit:         getIntEnv("HISTORY_LIMIT", 50),
		IdempotencyTTL:       getDurationEnv("IDEMPOTENCY_TTL", 10*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
