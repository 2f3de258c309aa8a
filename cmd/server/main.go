package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"taskpilot/internal/assistant"
	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/handlers"
	"taskpilot/internal/logging"
	"taskpilot/internal/middleware"
	"taskpilot/internal/services"
	"taskpilot/internal/store"
	"taskpilot/internal/tools"
	"taskpilot/pkg/auth"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	}
	logging.Init()

	cfg := config.Load()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	var jwtAuth *auth.JWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewJWTAuth(cfg.JWTSecret, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
	} else if os.Getenv("ENVIRONMENT") == "production" {
		log.Fatal("❌ JWT_SECRET is required in production")
	} else {
		log.Println("⚠️  JWT_SECRET not set, authentication disabled (development mode)")
	}

	// Assistant: OpenAI-compatible provider, or the built-in rule engine when
	// no provider is configured.
	var invoker assistant.Invoker
	if cfg.ModelBaseURL != "" {
		invoker = assistant.NewOpenAIInvoker(cfg)
		log.Printf("🤖 Assistant provider: %s (model %s)", cfg.ModelBaseURL, cfg.ModelID)
	} else {
		invoker = assistant.NewRuleEngine()
		log.Println("🤖 No MODEL_BASE_URL set, using the built-in rule engine")
	}

	services.InitMetrics()

	registry := tools.NewRegistry()
	orchestrator := services.NewOrchestrator(db, registry, invoker, cfg)
	taskStore := store.NewTaskStore(db)
	conversationStore := store.NewConversationStore(db)
	userStore := store.NewUserStore(db)

	authHandler := handlers.NewAuthHandler(userStore, jwtAuth)
	chatHandler := handlers.NewChatHandler(orchestrator, registry)
	conversationHandler := handlers.NewConversationHandler(conversationStore)
	taskHandler := handlers.NewTaskHandler(taskStore)
	healthHandler := handlers.NewHealthHandler(db)

	app := fiber.New(fiber.Config{
		AppName:      "TaskPilot v1.0",
		ReadTimeout:  120 * time.Second, // model calls can be slow
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // chat messages are small
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("taskpilot")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Auth=%d/min, Chat=%d/min",
		rateLimitConfig.GlobalMax, rateLimitConfig.AuthenticatedMax, rateLimitConfig.ChatMax)
	app.Use(middleware.GlobalRateLimiter(rateLimitConfig))

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,Idempotency-Key",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Get("/health", healthHandler.Health)

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", middleware.AuthAttemptRateLimiter(rateLimitConfig), authHandler.Register)
	authRoutes.Post("/login", middleware.AuthAttemptRateLimiter(rateLimitConfig), authHandler.Login)
	authRoutes.Post("/refresh", middleware.AuthAttemptRateLimiter(rateLimitConfig), authHandler.Refresh)
	authRoutes.Get("/me", middleware.AuthMiddleware(jwtAuth), authHandler.Me)

	chat := api.Group("/chat", middleware.AuthMiddleware(jwtAuth), middleware.ChatRateLimiter(rateLimitConfig))
	chat.Post("/", chatHandler.Chat)
	chat.Post("/confirm", chatHandler.Confirm)

	toolRoutes := api.Group("/tools", middleware.AuthMiddleware(jwtAuth))
	toolRoutes.Get("/", chatHandler.ListTools)
	toolRoutes.Get("/:name", chatHandler.DescribeTool)

	conversations := api.Group("/conversations",
		middleware.AuthMiddleware(jwtAuth), middleware.AuthenticatedRateLimiter(rateLimitConfig))
	conversations.Get("/", conversationHandler.List)
	conversations.Post("/", conversationHandler.Create)
	conversations.Get("/latest", conversationHandler.Latest)
	conversations.Get("/:id", conversationHandler.Get)
	conversations.Delete("/:id", conversationHandler.Delete)
	conversations.Get("/:id/messages", conversationHandler.Messages)
	conversations.Post("/:id/clear", conversationHandler.Clear)
	conversations.Delete("/:id/messages/:messageId", conversationHandler.DeleteMessage)

	taskRoutes := api.Group("/tasks",
		middleware.AuthMiddleware(jwtAuth), middleware.AuthenticatedRateLimiter(rateLimitConfig))
	taskRoutes.Get("/", taskHandler.List)
	taskRoutes.Post("/", taskHandler.Create)
	taskRoutes.Get("/:id", taskHandler.Get)
	taskRoutes.Patch("/:id", taskHandler.Update)
	taskRoutes.Post("/:id/complete", taskHandler.Complete)
	taskRoutes.Delete("/:id", taskHandler.Delete)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	log.Printf("🚀 TaskPilot listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
