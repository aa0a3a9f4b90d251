package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/mediaforge/api/internal/auth"
	"github.com/mediaforge/api/internal/client"
	"github.com/mediaforge/api/internal/config"
	"github.com/mediaforge/api/internal/handler"
	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/middleware"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
	"github.com/mediaforge/api/internal/scheduler"
	"github.com/mediaforge/api/internal/service"
	ws "github.com/mediaforge/api/internal/websocket"
)

// @title          MediaForge API
// @version        1.0
// @description    Credit-metered orchestration API for multi-provider media generation.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	redisAvailable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available (%v), falling back to in-memory job store and in-process dispatch", err)
		redisAvailable = false
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize R2 client (optional - continues if not configured)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		var err error
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		}
	} else {
		log.Println("Info: R2 storage not configured, results stay on vendor URLs")
	}

	// Initialize JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize ledger, restoring the last snapshot if one exists
	reservationTTL := time.Duration(cfg.Ledger.ReservationTTLMin) * time.Minute
	ldgr := ledger.New(reservationTTL)
	var snapshotStore *ledger.SnapshotStore
	if redisAvailable {
		snapshotStore = ledger.NewSnapshotStore(redisClient)
		if state, err := snapshotStore.Load(ctx); err != nil {
			log.Printf("Warning: failed to load ledger snapshot: %v", err)
		} else if state != nil {
			ldgr.Restore(state)
			log.Printf("Ledger restored from snapshot taken at %s", state.TakenAt.Format(time.RFC3339))
		}
	}

	// Register providers
	registry := provider.NewRegistry()
	registerProviders(cfg, registry, r2Client)
	selector := provider.NewSelector(registry)

	// Job store and dispatch transport
	retention := time.Duration(cfg.Scheduler.RetentionHours) * time.Hour
	var jobStore scheduler.JobStore
	var enqueuer scheduler.TaskEnqueuer
	var asynqClient *asynq.Client
	if redisAvailable {
		jobStore = scheduler.NewRedisJobStore(redisClient, retention)
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer asynqClient.Close()
		enqueuer = asynqClient
	} else {
		jobStore = scheduler.NewMemoryJobStore()
	}

	// Scheduler
	var storage scheduler.ResultStorage
	if r2Client != nil {
		storage = r2Client
	}
	sched := scheduler.New(scheduler.Config{
		QueueCapacity:   cfg.Scheduler.QueueCapacity,
		RetryLimit:      cfg.Scheduler.RetryLimit,
		DispatchTimeout: time.Duration(cfg.Scheduler.DispatchTimeoutSec) * time.Second,
		WorkersPerType:  cfg.Scheduler.WorkersPerType,
		MarkupPercent:   cfg.Pricing.MarkupPercent,
		Retention:       retention,
	}, jobStore, ldgr, registry, selector, storage, hub, enqueuer)
	sched.Start()
	defer sched.Stop()

	// Initialize services
	generateService := service.NewGenerateService(service.GenerateConfig{
		MarkupPercent:  cfg.Pricing.MarkupPercent,
		IdempotencyTTL: retention,
	}, ldgr, selector, sched, jobStore)
	accountService := service.NewAccountService(ldgr)

	// Initialize handlers
	generateHandler := handler.NewGenerateHandler(generateService, validate)
	accountHandler := handler.NewAccountHandler(accountService, validate)
	providerHandler := handler.NewProviderHandler(registry)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Background maintenance: reservation sweep, health polling, snapshots
	maintenance := cron.New()
	sweepEvery := time.Duration(cfg.Ledger.SweepIntervalMin) * time.Minute
	maintenance.Schedule(cron.Every(sweepEvery), cron.FuncJob(func() {
		if n := ldgr.ExpireStale(reservationTTL); n > 0 {
			log.Printf("Ledger sweep expired %d stale reservations", n)
		}
	}))
	maintenance.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		registry.CheckHealth(context.Background())
	}))
	if snapshotStore != nil {
		snapEvery := time.Duration(cfg.Ledger.SnapshotIntervalMin) * time.Minute
		maintenance.Schedule(cron.Every(snapEvery), cron.FuncJob(func() {
			if err := snapshotStore.Save(context.Background(), ldgr.Snapshot()); err != nil {
				log.Printf("Warning: ledger snapshot failed: %v", err)
			}
		}))
	}
	maintenance.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		for _, problem := range ldgr.VerifyBalances() {
			log.Printf("LEDGER ALERT: %s", problem)
		}
	}))
	maintenance.Start()
	defer maintenance.Stop()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    5 * 1024 * 1024, // 5MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		depths := fiber.Map{}
		for _, mt := range model.ValidMediaTypes {
			depths[string(mt)] = sched.QueueDepth(mt)
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": redisAvailable,
				"r2":    r2Client != nil,
				"auth":  jwksVerifier != nil || cfg.JWT.Secret != "",
			},
			"queues": depths,
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	// Generation routes
	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerMin), generateHandler.Generate)
	api.Get("/generate/status/:jobId", generateHandler.Status)
	api.Post("/generate/cancel/:jobId", generateHandler.Cancel)

	// Account routes
	account := api.Group("/account", rateLimiter.AccountLimit(cfg.RateLimit.AccountPerMin))
	account.Get("/balance", accountHandler.Balance)
	account.Post("/credits", accountHandler.AddCredits)
	account.Get("/transactions", accountHandler.Transactions)

	// Provider routes
	api.Get("/providers", providerHandler.List)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server when a dispatch transport exists
	if redisAvailable {
		go startWorkerServer(cfg, sched)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// registerProviders wires configured vendors into the registry. Media types
// without a configured vendor get a pair of mock backends so selection and
// retry still have alternates in development.
func registerProviders(cfg *config.Config, registry *provider.Registry, r2Client *client.R2Client) {
	elevenClient := client.NewElevenLabsClient(&cfg.ElevenLabs)
	if elevenClient.IsConfigured() && r2Client != nil {
		p := provider.NewElevenLabsProvider("elevenlabs-tts", elevenClient, r2Client)
		registry.Register(p, model.ProviderInfo{
			ID:                 p.ID(),
			Name:               "ElevenLabs",
			MediaType:          model.MediaTypeAudio,
			QualityRating:      0.9,
			RateLimitPerMinute: 60,
			MaxConcurrent:      4,
		})
	}

	replicateClient := client.NewReplicateClient(&cfg.Replicate)
	if replicateClient.IsConfigured() {
		img := provider.NewReplicateProvider("replicate-image", model.MediaTypeImage, replicateClient, cfg.Replicate.ImageModel, 25)
		registry.Register(img, model.ProviderInfo{
			ID:                 img.ID(),
			Name:               "Replicate Image",
			MediaType:          model.MediaTypeImage,
			QualityRating:      0.85,
			RateLimitPerMinute: 60,
			MaxConcurrent:      6,
		})
		vid := provider.NewReplicateProvider("replicate-video", model.MediaTypeVideo, replicateClient, cfg.Replicate.VideoModel, 200)
		registry.Register(vid, model.ProviderInfo{
			ID:                 vid.ID(),
			Name:               "Replicate Video",
			MediaType:          model.MediaTypeVideo,
			QualityRating:      0.8,
			RateLimitPerMinute: 30,
			MaxConcurrent:      2,
		})
	}

	for _, mt := range model.ValidMediaTypes {
		if len(registry.ListAll(mt)) > 0 {
			continue
		}
		log.Printf("Info: no vendor configured for %s, using mock providers", mt)
		std := provider.NewMockProvider("mock-"+string(mt)+"-standard", mt, 50, 2*time.Second)
		registry.Register(std, model.ProviderInfo{
			ID:            std.ID(),
			Name:          "Mock " + string(mt) + " (standard)",
			MediaType:     mt,
			QualityRating: 0.8,
		})
		turbo := provider.NewMockProvider("mock-"+string(mt)+"-turbo", mt, 80, 500*time.Millisecond)
		registry.Register(turbo, model.ProviderInfo{
			ID:            turbo.ID(),
			Name:          "Mock " + string(mt) + " (turbo)",
			MediaType:     mt,
			QualityRating: 0.7,
		})
	}
}

func startWorkerServer(cfg *config.Config, sched *scheduler.Scheduler) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				string(model.MediaTypeVideo):  3,
				string(model.MediaTypeImage):  3,
				string(model.MediaTypeAudio):  2,
				string(model.MediaTypeDesign): 1,
				string(model.MediaType3D):     1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(scheduler.TaskTypeDispatch, sched.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
