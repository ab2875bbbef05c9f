package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/cache"
	"retailpdv/backend/internal/config"
	"retailpdv/backend/internal/httpapi"
	"retailpdv/backend/internal/lock"
	"retailpdv/backend/internal/service"
	"retailpdv/backend/internal/store"
	"retailpdv/backend/internal/store/memory"
	pgstore "retailpdv/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("repository: %v", err)
	}

	var (
		summaryCache cache.SummaryCache = cache.NoopSummaryCache{}
		locker       lock.Locker        = lock.Noop{}
	)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			config.LogError(logger, "main", "main", "redis ping", cfg.RedisAddr, err)
			logger.Warn("redis unavailable, running without summary cache and sale locks")
			_ = redisCache.Close()
		} else {
			summaryCache = redisCache
			locker = lock.NewRedisLocker(redisCache.Client())
			closers = append(closers, redisCache.Close)
			logger.Info("cache and locks: redis")
		}
	} else {
		logger.Info("cache and locks: disabled")
	}

	svc := service.New(repo, summaryCache, locker, logger, service.Options{
		AllowNegativeStock: cfg.AllowNegativeStock,
		RetryAttempts:      cfg.RetryMaxAttempts,
		ReceivableDueDays:  cfg.ReceivableDueDays,
		SummaryCacheTTL:    cfg.SummaryCacheTTL(),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.StoreID, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("PDV backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "main", "main", "shutdown", nil, err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			config.LogError(logger, "main", "main", "close", nil, err)
		}
	}
	logger.Info("server stopped")
}

// openRepository picks Postgres when DATABASE_URL is set and the seeded
// in-memory store otherwise. A configured but unreachable database is fatal.
func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated")
	}
	logger.Info("repository: postgres")
	return pg, []func() error{pg.Close}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.StoreID == "" {
		return fmt.Errorf("DEFAULT_STORE_ID must not be empty")
	}
	return nil
}
