package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geo-prize-system/bus"
	"geo-prize-system/config"
	"geo-prize-system/handlers"
	"geo-prize-system/middleware"
	"geo-prize-system/models"
	"geo-prize-system/services"
	"geo-prize-system/utils"
	"geo-prize-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	envCfg, err := config.LoadEnv()
	if err != nil {
		log.Fatal("failed to load environment config: ", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB — location pushes and sync batches only
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware(envCfg.GameServiceToken))

	// CORS for the mobile webview builds
	allowedOriginsList := strings.Split(envCfg.AllowedOrigins, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Session-Token, X-Service-Token, X-Device-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	db, err := gorm.Open(postgres.Open(envCfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Player{},
		&models.Prize{},
		&models.Claim{},
		&models.ClaimOverride{},
		&models.OfflineAction{},
		&models.RiskProfile{},
		&models.GameSettings{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	redisOpts, err := redis.ParseURL(envCfg.RedisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL: ", err)
	}
	rdb := redis.NewClient(redisOpts)

	eventBus := bus.NewRedisBus(rdb, "geoprize")
	defer eventBus.Close()

	rules, err := config.NewDBProvider(db, eventBus)
	if err != nil {
		log.Fatal("failed to initialize rules provider: ", err)
	}

	if envCfg.R2BucketName != "" {
		if err := utils.InitR2(envCfg.CloudflareAccountID, envCfg.R2AccessKeyID, envCfg.R2AccessKeySecret, envCfg.R2BucketName); err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
	}

	locations := services.NewRedisLocationStore(rdb, services.DefaultLocationTTL)

	var authClient *services.AuthServiceClient
	if envCfg.SyncServiceURL != "" {
		authClient = services.NewAuthServiceClient(envCfg.SyncServiceURL, envCfg.GameServiceToken)
	}

	scorer := services.NewRiskScorer(db, locations, rules, authClient)
	proximityService := services.NewProximityService(db, rules)
	claimService := services.NewClaimService(db, rules, locations, scorer, eventBus)
	syncService := services.NewSyncService(db, claimService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background upkeep: prize expiry + queue pruning via gocron, pollers for
	// player mirror and risk profiles, bus-fed review exporter.
	sched := services.StartMaintenanceScheduler(db)
	defer func() { _ = sched.Shutdown() }()

	if envCfg.SyncServiceURL != "" {
		playerSync := workers.NewPlayerSyncWorker(db, envCfg.SyncServiceURL, "/api/v1/public/profiles", envCfg.GameServiceToken)
		playerSync.Start(ctx)
	} else {
		log.Println("⚠️  SYNC_SERVICE_URL not set — player mirror sync disabled")
	}

	go workers.PollRiskProfiles(ctx, workers.NewRiskProfileWorker(db), 1*time.Minute)
	workers.NewReviewExportWorker(db, eventBus).Start(ctx)

	handlers.SetupProximityRoutes(app, proximityService)
	handlers.SetupClaimRoutes(app, claimService, authClient, eventBus)
	handlers.SetupSyncRoutes(app, syncService)

	go func() {
		if err := app.Listen(":" + envCfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", envCfg.Port)
	log.Println("✅ Maintenance scheduler running (prize expiry, queue pruning)")
	log.Println("✅ Risk profile polling running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
