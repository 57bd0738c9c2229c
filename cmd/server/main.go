package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/glowstyle/glowstyle-backend/internal/api"
	"github.com/glowstyle/glowstyle-backend/internal/cache"
	"github.com/glowstyle/glowstyle-backend/internal/config"
	"github.com/glowstyle/glowstyle-backend/internal/database"
	"github.com/glowstyle/glowstyle-backend/internal/genapi"
	"github.com/glowstyle/glowstyle-backend/internal/repository"
	"github.com/glowstyle/glowstyle-backend/internal/resilience"
	"github.com/glowstyle/glowstyle-backend/internal/service"
	"github.com/glowstyle/glowstyle-backend/internal/storage"
	"github.com/glowstyle/glowstyle-backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(slog.LevelInfo)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	balances := cache.New(cfg.BalanceCacheTTL, cfg.BalanceCacheSize)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	genClient := genapi.NewClient(cfg.GenAPIBaseURL, cfg.RequestTimeout, logr)
	fallback := genapi.NewFallback(breakers, logr, cfg.GenAPIKey, cfg.GenAPIKeyBackup)

	var uploader *storage.Uploader
	if cfg.S3Enabled() {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	}

	userService := service.NewUserService(userRepo, logr)
	tokenService := service.NewTokenService(tokenRepo, balances, logr, cfg.WelcomeBonusTokens)
	paymentService := service.NewPaymentService(service.PaymentConfig{
		ShopID:        cfg.PaymentShopID,
		SecretKey:     cfg.PaymentSecretKey,
		WebhookSecret: cfg.PaymentWebhookSecret,
		ReturnURL:     cfg.PaymentReturnURL,
		Currency:      cfg.PaymentCurrency,
	}, paymentRepo, tokenService, logr)

	var generationService *service.GenerationService
	if uploader != nil {
		generationService = service.NewGenerationService(logr, tokenService, generationRepo, genClient, fallback, uploader)
	} else {
		generationService = service.NewGenerationService(logr, tokenService, generationRepo, genClient, fallback, nil)
	}

	server := api.NewServer(cfg, logr, db, userService, tokenService, generationService, paymentService)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
