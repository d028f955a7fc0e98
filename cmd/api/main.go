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

	"github.com/dunamismax/pixelprompt/internal/api"
	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/prediction"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/quota"
	"github.com/dunamismax/pixelprompt/internal/ratelimit"
	"github.com/dunamismax/pixelprompt/internal/replicate"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/dunamismax/pixelprompt/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.ServiceAPI, cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	calendar, err := quota.NewCalendar(cfg.Quota.TimeZone)
	if err != nil {
		logger.Fatalf("quota calendar: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Quota.Backend == config.QuotaBackendRedis || cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(cfg.Redis.Options())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()
	}

	quotaStore, closeQuota, err := newQuotaStore(ctx, cfg, redisClient)
	if err != nil {
		logger.Fatalf("quota store: %v", err)
	}
	defer closeQuota()
	logger.Printf("quota backend=%s daily_limit=%d timezone=%s", cfg.Quota.Backend, quotaStore.Limit(), calendar.Location())

	deps := api.Dependencies{
		Quota:           quotaStore,
		Calendar:        calendar,
		AllowedOrigins:  cfg.API.CORSAllowedOrigins,
		TrustedProxies:  cfg.RateLimit.TrustedProxies,
		ShutdownContext: ctx,
	}

	generator, err := newGenerator(logger, cfg.Replicate)
	if err != nil {
		// Requests are still served; /generate answers 500 until the token is set.
		logger.Printf("replicate disabled: %v", err)
	} else {
		deps.Generator = generator
	}

	if cfg.API.ArchiveEnabled {
		queueClient := queue.NewClient(cfg.Redis.AsynqClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		deps.Archiver = queueClient

		if cfg.Database.DSN != "" {
			generations, err := store.NewPostgresGenerationStore(ctx, cfg.Database.DSN)
			if err != nil {
				logger.Fatalf("generation store: %v", err)
			}
			defer generations.Close()
			deps.Generations = generations
		}
	}

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "pixelprompt:ratelimit")
		if err != nil {
			logger.Fatalf("rate limiter: %v", err)
		}
		deps.RateLimiter = limiter
	}

	app := api.NewServer(logger, deps)

	// Worst case for /generate: a submit plus MaxPolls polls, each bounded by
	// HTTPTimeout and followed by PollInterval.
	generateBudget := time.Duration(cfg.Replicate.MaxPolls)*(cfg.Replicate.PollInterval+cfg.Replicate.HTTPTimeout) + cfg.Replicate.HTTPTimeout
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: generateBudget + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func newQuotaStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (quota.Store, func(), error) {
	noop := func() {}
	switch cfg.Quota.Backend {
	case config.QuotaBackendMemory, "":
		s, err := quota.NewMemoryStore(cfg.Quota.DailyLimit)
		return s, noop, err
	case config.QuotaBackendRedis:
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		s, err := quota.NewRedisStore(redisClient, cfg.Quota.DailyLimit, cfg.Quota.KeyPrefix)
		return s, noop, err
	case config.QuotaBackendPostgres:
		if cfg.Database.DSN == "" {
			return nil, noop, fmt.Errorf("quota backend %q requires POSTGRES_DSN", cfg.Quota.Backend)
		}
		s, err := quota.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Quota.DailyLimit)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported quota backend: %s", cfg.Quota.Backend)
	}
}

func newGenerator(logger *log.Logger, cfg config.ReplicateConfig) (*prediction.Orchestrator, error) {
	client, err := replicate.NewClient(replicate.Config{
		APIToken: cfg.APIToken,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.HTTPTimeout,
	})
	if err != nil {
		return nil, err
	}
	return prediction.NewOrchestrator(logger, client, prediction.Config{
		ModelVersion: cfg.ModelVersion,
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
	})
}
