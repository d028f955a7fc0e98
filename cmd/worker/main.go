package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelprompt/internal/archive"
	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/storage"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/dunamismax/pixelprompt/internal/telemetry"
	"github.com/dunamismax/pixelprompt/internal/webhook"
	"github.com/dunamismax/pixelprompt/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.ServiceWorker, cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	objectStore, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client: %v", err)
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket %s: %v", objectStore.Bucket(), err)
	}

	archiver, err := archive.NewArchiver(objectStore, archive.Config{
		FetchTimeout:   cfg.Worker.FetchTimeout,
		MaxImageBytes:  cfg.Worker.MaxImageBytes,
		Prefix:         "generations",
		ThumbnailWidth: cfg.Worker.ThumbnailWidth,
	})
	if err != nil {
		logger.Fatalf("archiver: %v", err)
	}

	var generations store.GenerationStore
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresGenerationStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("generation store: %v", err)
		}
		defer pgStore.Close()
		generations = pgStore
	} else {
		logger.Printf("POSTGRES_DSN not set; generation records are kept in memory")
		generations = store.NewMemoryGenerationStore()
	}

	srv, err := worker.NewServer(logger, cfg.Redis.AsynqClientOpt(), cfg.Queue, cfg.Worker, worker.Dependencies{
		Archiver:    archiver,
		Generations: generations,
		Presigner:   objectStore,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
		WebhookURL: cfg.Webhook.URL,
	})
	if err != nil {
		logger.Fatalf("worker: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s bucket=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Redis.Addr,
		objectStore.Bucket(),
	)

	// asynq.Server.Run blocks until SIGTERM/SIGINT and shuts down on its own.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}
