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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"repairpos/internal/cache"
	"repairpos/internal/config"
	"repairpos/internal/httpapi"
	"repairpos/internal/inventory"
	"repairpos/internal/logging"
	"repairpos/internal/notify"
	"repairpos/internal/service"
	"repairpos/internal/store"
	"repairpos/internal/store/memory"
	pgstore "repairpos/internal/store/postgres"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				logger.Fatalf("database migration failed: %v", err)
			}
			logger.Info("migrations applied")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.DBMaxConnections)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var (
		stockCache cache.StockCache = cache.NoopStockCache{}
		publisher  notify.Publisher = notify.LogPublisher{Logger: logger}
		locker     notify.Locker
	)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and log publisher")
			_ = redisCache.Close()
		} else {
			stockCache = redisCache
			publisher = notify.NewRedisPublisher(redisCache.Client(), cfg.NotifyChannel)
			locker = notify.NewRedisLocker(redisCache.Client(), "repairpos:outbox-dispatcher", notify.DefaultLockTTL)
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	created, err := httpapi.BootstrapAdmin(ctx, repo, cfg.SeedAdminUsername, cfg.SeedAdminPassword)
	if err != nil {
		logger.WithError(err).Warn("admin bootstrap skipped")
	} else if created {
		logger.WithField("username", cfg.SeedAdminUsername).Info("bootstrap admin created")
	}

	stock := inventory.New(repo, stockCache, cfg.StockCacheTTL(), logger)
	svc := service.New(repo, stock, logger, service.Options{
		SaleUndoWindow:     cfg.SaleUndoWindow(),
		PurchaseUndoWindow: cfg.PurchaseUndoWindow(),
		ExportRowLimit:     cfg.ExportRowLimit,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	dispatcher := notify.NewDispatcher(repo, publisher, notify.LogMailer{Logger: logger}, logger, cfg.OutboxPollInterval())
	if locker != nil {
		dispatcher = dispatcher.WithLocker(locker)
	}
	runCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(runCtx)
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("repair shop backend listening")
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
		logger.WithError(err).Error("shutdown error")
	}
	stopDispatcher()
	<-dispatcherDone

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}

	logger.WithFields(logrus.Fields{"addr": cfg.Address()}).Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SaleUndoWindowHours < 1 || cfg.PurchaseUndoWindowHours < 1 {
		return fmt.Errorf("undo windows must be at least one hour")
	}
	return nil
}
