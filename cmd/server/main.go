package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"replenish/backend/internal/cache"
	"replenish/backend/internal/config"
	"replenish/backend/internal/httpapi"
	"replenish/backend/internal/metrics"
	"replenish/backend/internal/notify"
	"replenish/backend/internal/replacement"
	"replenish/backend/internal/service"
	"replenish/backend/internal/store"
	"replenish/backend/internal/store/breaker"
	"replenish/backend/internal/store/memory"
	mongostore "replenish/backend/internal/store/mongodb"
	pgstore "replenish/backend/internal/store/postgres"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load env file: %v", err)
	}
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	m := metrics.New()
	closers := make([]func() error, 0, 4)

	repo, err := openRepository(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Fatal("repository unavailable", zap.Error(err))
	}
	guarded := breaker.New(repo, breaker.Config{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      time.Duration(cfg.BreakerOpenSeconds) * time.Second,
		OnStateChange: func(_ string, to string) {
			m.BreakerStateTransitions.WithLabelValues(to).Inc()
		},
	}, logger)

	queueCache := cache.QueueCache(cache.NoopQueueCache{})
	publishers := notify.Fanout{}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisQueueCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = client.Close()
		} else {
			queueCache = redisCache
			publishers = append(publishers, notify.NewRedisPublisher(client, cfg.NotifyChannel))
			closers = append(closers, client.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}
	if len(cfg.KafkaBrokers) > 0 {
		publishers = append(publishers, notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	closers = append(closers, publishers.Close)

	engine := replacement.New(guarded, replacement.Config{RetryLimit: cfg.MergeRetryLimit})
	svc := service.New(guarded, engine, service.Options{
		Cache:     queueCache,
		CacheTTL:  time.Duration(cfg.QueueCacheTTLSeconds) * time.Second,
		Publisher: publishers,
		Metrics:   m,
		Logger:    logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, guarded)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, m, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("replenishment backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runAutoMerge(sweepCtx, svc, time.Duration(cfg.AutoMergeIntervalSecs)*time.Second, logger)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweep()
	<-sweepDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// openRepository picks postgres, then mongo, then the seeded in-memory store. A configured
// backend that cannot be reached is fatal rather than silently replaced.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger, closers *[]func() error) (store.Repository, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		*closers = append(*closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		if err := seed(ctx, pg, logger); err != nil {
			return nil, err
		}
		logger.Info("repository: postgres")
		return pg, nil
	case cfg.MongoURI != "":
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongodb: %w", err)
		}
		*closers = append(*closers, func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mg.Close(closeCtx)
		})
		if err := mg.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongodb indexes: %w", err)
		}
		if err := seed(ctx, mg, logger); err != nil {
			return nil, err
		}
		logger.Info("repository: mongodb", zap.String("database", cfg.MongoDatabase))
		return mg, nil
	default:
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil
	}
}

func seed(ctx context.Context, repo store.Repository, logger *zap.Logger) error {
	data, usedDefaults, err := store.DefaultSeed(time.Now().UTC())
	if err != nil {
		return err
	}
	if usedDefaults {
		logger.Warn("seeding with default demo passwords; set SEED_ADMIN_PASSWORD and SEED_BRANCH_PASSWORD")
	}
	if err := store.ApplySeed(ctx, repo, data); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}

// runAutoMerge sweeps every queue on a fixed interval until ctx is done. A non-positive
// interval disables the sweep.
func runAutoMerge(ctx context.Context, svc *service.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	actorCtx := service.WithActor(ctx, replacement.SystemActor)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := svc.AutoMergeAll(actorCtx)
			if err != nil {
				logger.Warn("auto-merge sweep failed", zap.Error(err))
				continue
			}
			if report.MergedCount > 0 || len(report.Failures) > 0 {
				logger.Info("auto-merge sweep",
					zap.Int("merged", report.MergedCount),
					zap.Int("failures", len(report.Failures)),
				)
			}
		}
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat != "json" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
