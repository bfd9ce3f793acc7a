// @title           Moments Backend API
// @version         1.0.0
// @description     Backend API coordinating paired photo captures between two partners. One partner initiates a moment, the other responds within a time window, and the two captures are fused into one shared artifact.

// @contact.name   API Support
// @contact.email  support@example.com

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"moments-backend/internal/config"
	"moments-backend/internal/database"
	"moments-backend/internal/dedup"
	"moments-backend/internal/fusion"
	"moments-backend/internal/handlers"
	"moments-backend/internal/middleware"
	"moments-backend/internal/moments"
	"moments-backend/internal/notify"
	"moments-backend/internal/push"
	"moments-backend/internal/scheduler"
	"moments-backend/internal/supabase"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required: set it to your Supabase PostgreSQL connection string")
	}

	// Run migrations before anything touches the schema
	migrator, err := database.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Run(); err != nil {
		migrator.Close()
		log.Fatalf("Migration failed: %v", err)
	}
	migrator.Close()
	log.Println("Migrations completed successfully")

	// Initialize Supabase clients
	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize Supabase client: %v", err)
	}

	storageClient, err := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}

	realtimeClient := supabase.NewRealtimeClient(supabaseClient.Supabase)

	dbClient, err := supabase.NewDatabaseClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database client: %v", err)
	}
	defer dbClient.Close()

	// Push gateway is optional; without a URL the client is a no-op
	pushClient := push.NewClient(cfg.PushGatewayURL, cfg.PushGatewayAPIKey)
	if !pushClient.Enabled() {
		log.Println("Warning: PUSH_GATEWAY_URL not set. Push notifications are disabled.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fusion runs off the capture path on its own workers
	fusionWorker := fusion.NewWorker(dbClient, storageClient, fusion.DefaultConfig(), cfg.FusionWorkers, cfg.FusionQueueSize)
	fusionWorker.Start(ctx)

	dispatcher := notify.NewDispatcher(realtimeClient, dbClient, pushClient)

	dedupService := dedup.NewService(dbClient)

	coordinator := moments.NewCoordinator(dbClient, dedupService, storageClient, fusionWorker, dispatcher, moments.Config{
		DefaultTTL:         cfg.DefaultMomentTTL,
		MaxTTL:             cfg.MaxMomentTTL,
		MaxActivePerCouple: cfg.MaxActiveMomentsPerCouple,
	})

	// Expiry sweep races captures on the same conditional write, so it can
	// run whenever it likes
	expiry := scheduler.New(dbClient, coordinator, cfg.ExpirySweepInterval)
	go expiry.Start(ctx)

	momentsHandler := handlers.NewMomentsHandler(coordinator, storageClient)

	// Setup router
	router := gin.Default()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Health check (no auth)
	router.GET("/health", handlers.HealthHandler)

	// API routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	// Moment protocol surface
	api.POST("/moments", momentsHandler.Initiate)
	api.POST("/moments/:moment_id/capture", momentsHandler.Capture)
	api.GET("/moments/:moment_id", momentsHandler.GetMoment)
	api.GET("/moments/:moment_id/artifact", momentsHandler.GetArtifact)
	api.GET("/couples/:couple_id/moments/active", momentsHandler.GetActiveMoment)

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
