package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/pixelprompt/internal/archive"
	"github.com/dunamismax/pixelprompt/internal/config"
	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/dunamismax/pixelprompt/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const presignedURLTTL = 7 * 24 * time.Hour

type Server struct {
	logger      *log.Logger
	server      *asynq.Server
	sem         chan struct{}
	archiver    imageArchiver
	generations store.GenerationStore
	presigner   objectPresigner
	webhook     webhookSender
	webhookURL  string
	metrics     *metrics
	tracer      trace.Tracer
}

type imageArchiver interface {
	Archive(ctx context.Context, req archive.Request) (archive.Output, error)
}

type objectPresigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dependencies wires the worker. Presigner and Webhook are optional.
type Dependencies struct {
	Archiver    imageArchiver
	Generations store.GenerationStore
	Presigner   objectPresigner
	Webhook     webhookSender
	WebhookURL  string
}

func NewServer(logger *log.Logger, redisOpt asynq.RedisClientOpt, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	if deps.Archiver == nil {
		return nil, errors.New("archiver is required")
	}
	if deps.Generations == nil {
		return nil, errors.New("generation store is required")
	}

	s := newServer(logger, deps, workerCfg.MaxActiveJobs)
	s.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *log.Logger, deps Dependencies, maxActiveJobs int) *Server {
	return &Server{
		logger:      logger,
		sem:         make(chan struct{}, max(1, maxActiveJobs)),
		archiver:    deps.Archiver,
		generations: deps.Generations,
		presigner:   deps.Presigner,
		webhook:     deps.Webhook,
		webhookURL:  deps.WebhookURL,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("pixelprompt/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeArchiveImage, s.handleArchiveImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleArchiveImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParseArchiveImagePayload(task)
	if err != nil {
		s.metrics.archivesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.archive_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("generation.id", payload.GenerationID),
		attribute.String("prediction.id", payload.PredictionID),
		attribute.String("generation.uid", payload.UID),
	)
	defer span.End()
	defer func() {
		s.metrics.archiveDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.archivesTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"archiving generation_id=%s prediction_id=%s uid=%s",
		payload.GenerationID, payload.PredictionID, payload.UID,
	)

	out, err := s.archiver.Archive(ctx, archive.Request{
		GenerationID: payload.GenerationID,
		UID:          payload.UID,
		PredictionID: payload.PredictionID,
		ImageURL:     payload.ImageURL,
		QuotaDate:    payload.QuotaDate,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		if errors.Is(err, archive.ErrNotAnImage) || errors.Is(err, archive.ErrImageTooLarge) {
			return fmt.Errorf("archive image: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("archive image: %w", err)
	}

	generation := domain.Generation{
		ID:           payload.GenerationID,
		UID:          payload.UID,
		Prompt:       payload.Prompt,
		PredictionID: payload.PredictionID,
		SourceURL:    payload.ImageURL,
		ObjectKey:    out.ObjectKey,
		ThumbnailKey: out.ThumbnailKey,
		ContentType:  out.ContentType,
		Bytes:        out.Bytes,
		Width:        out.Width,
		Height:       out.Height,
		QuotaDate:    payload.QuotaDate,
		CreatedAt:    payload.RequestedAt,
	}
	if err := s.generations.Save(ctx, generation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record generation failed")
		return fmt.Errorf("record generation: %w", err)
	}
	if !out.Reused {
		s.metrics.bytesArchivedTotal.Add(float64(out.Bytes))
	}

	s.logger.Printf(
		"archived generation_id=%s object_key=%s bytes=%d size=%dx%d reused=%t",
		generation.ID, out.ObjectKey, out.Bytes, out.Width, out.Height, out.Reused,
	)

	if err := s.dispatchWebhook(ctx, generation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = "succeeded"
	span.SetStatus(codes.Ok, "archived")
	return nil
}

func (s *Server) dispatchWebhook(ctx context.Context, g domain.Generation) error {
	if s.webhookURL == "" || s.webhook == nil {
		return nil
	}

	body := map[string]any{
		"generation_id": g.ID,
		"uid":           g.UID,
		"prediction_id": g.PredictionID,
		"source_url":    g.SourceURL,
		"object_key":    g.ObjectKey,
		"thumbnail_key": g.ThumbnailKey,
		"content_type":  g.ContentType,
		"width":         g.Width,
		"height":        g.Height,
		"quota_date":    g.QuotaDate,
		"archived_at":   time.Now().UTC(),
	}
	if s.presigner != nil {
		for field, key := range map[string]string{"archive_url": g.ObjectKey, "thumbnail_url": g.ThumbnailKey} {
			if key == "" {
				continue
			}
			url, err := s.presigner.PresignedGetURL(ctx, key, presignedURLTTL)
			if err != nil {
				s.logger.Printf("presign failed generation_id=%s key=%s err=%v", g.ID, key, err)
				continue
			}
			body[field] = url
		}
	}

	if err := s.webhook.Send(ctx, s.webhookURL, webhook.EventGenerationArchived, body); err != nil {
		s.logger.Printf("webhook delivery failed generation_id=%s err=%v", g.ID, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
