package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loanpilot/formgate/pkg/challenge"
	"github.com/loanpilot/formgate/pkg/common"
	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/csrf"
	"github.com/loanpilot/formgate/pkg/events"
	"github.com/loanpilot/formgate/pkg/formgate"
	"github.com/loanpilot/formgate/pkg/infra/backend"
	infraCache "github.com/loanpilot/formgate/pkg/infra/cache"
	"github.com/loanpilot/formgate/pkg/infra/fieldcrypt"
	infraLogger "github.com/loanpilot/formgate/pkg/infra/logger"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
	"github.com/loanpilot/formgate/pkg/quota"
	"github.com/loanpilot/formgate/pkg/ratelimit"
	"github.com/loanpilot/formgate/pkg/server"
	"github.com/loanpilot/formgate/pkg/trust"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger()

	if err := config.Load("./config"); err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	prometheus.Initialize()

	svc := backend.NewHTTPService(cfg.Backend, logger)

	// Rate limit records live in redis when available, otherwise in a local
	// JSON file that survives restarts. The cache also registers the
	// in-process TTL maps for CSRF tokens and open challenges.
	var store ratelimit.RecordStore
	var cacheInstance *infraCache.Cache
	if cfg.Redis.Enabled {
		var err error
		cacheInstance, err = infraCache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatalf("failed to initialize cache: %v", err)
		}
		store = ratelimit.NewRedisStore(cacheInstance)
	} else {
		cacheInstance = infraCache.NewLocalCache()
		fileStore, err := ratelimit.NewFileStore(cfg.RateLimit.StoragePath)
		if err != nil {
			logger.Fatalf("failed to open rate limit storage: %v", err)
		}
		store = fileStore
	}

	csrfManager := csrf.NewManager(svc, logger, cacheInstance.CreateTTLMap(infraCache.CSRFTTLName, cfg.CSRF.TokenTTL))

	gate := formgate.NewGate(formgate.Deps{
		Quota:     quota.NewClient(svc, logger, nil),
		Limiter:   ratelimit.NewSlidingWindowLimiter(store, logger, nil),
		Verifier:  challenge.NewVerifier(logger, nil),
		CSRF:      csrfManager,
		Crypt:     fieldcrypt.NewProvider(svc, cfg.Security.FallbackKey, logger),
		Logger:    logger,
		Limits:    cfg.RateLimit,
		Sensitive: cfg.Security.SensitiveFields,
		Pending:   cacheInstance.CreateTTLMap(infraCache.ChallengeTTLName, common.ChallengeTTL),
	})

	trustRegistry := trust.NewRegistry(svc, logger, cfg.Trust)
	trustRegistry.Start(ctx)

	responseEngine := events.NewResponseEngine(svc, logger, nil)
	bus, err := events.NewBus(backend.NewWebsocketSubscriber(cfg.Backend, logger), responseEngine, logger, nil)
	if err != nil {
		logger.Fatalf("failed to initialize event bus: %v", err)
	}
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("security event bus stopped")
		}
	}()

	srv := server.NewServer(server.ServerDI{
		Config: cfg,
		Logger: logger,
		Gate:   gate,
		Trust:  trustRegistry,
		CSRF:   csrfManager,
	})

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	trustRegistry.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
