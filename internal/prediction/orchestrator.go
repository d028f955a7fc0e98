// Package prediction runs the submit-then-poll protocol for one image
// generation.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/replicate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 55
)

// ErrPollFailed marks a status fetch that could not be completed. It is not
// part of the client-facing taxonomy and surfaces as an unexpected error.
var ErrPollFailed = errors.New("prediction status check failed")

type Client interface {
	CreatePrediction(ctx context.Context, req replicate.CreatePredictionRequest) (replicate.Prediction, error)
	GetPrediction(ctx context.Context, getURL string) (replicate.Prediction, error)
}

type Config struct {
	ModelVersion string
	PollInterval time.Duration
	MaxPolls     int
}

type Result struct {
	PredictionID string
	Image        string
	Polls        int
}

type Orchestrator struct {
	logger       *log.Logger
	client       Client
	modelVersion string
	pollInterval time.Duration
	maxPolls     int
	wait         func(ctx context.Context, d time.Duration) error
	tracer       trace.Tracer
}

func NewOrchestrator(logger *log.Logger, client Client, cfg Config) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("prediction client is required")
	}
	if strings.TrimSpace(cfg.ModelVersion) == "" {
		return nil, errors.New("model version is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}

	return &Orchestrator{
		logger:       logger,
		client:       client,
		modelVersion: cfg.ModelVersion,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		wait:         sleepContext,
		tracer:       otel.Tracer("pixelprompt/prediction"),
	}, nil
}

// Generate submits prompt and polls until the prediction reaches a terminal
// state or maxPolls status checks have been made.
func (o *Orchestrator) Generate(ctx context.Context, prompt string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "prediction.generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	result, err := o.generate(ctx, prompt)
	span.SetAttributes(
		attribute.String("prediction.id", result.PredictionID),
		attribute.Int("prediction.polls", result.Polls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return result, err
	}
	span.SetStatus(codes.Ok, "generated")
	return result, nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string) (Result, error) {
	submitted, err := o.client.CreatePrediction(ctx, replicate.CreatePredictionRequest{
		Version: o.modelVersion,
		Input:   map[string]any{"prompt": prompt},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}
	if strings.TrimSpace(submitted.ID) == "" || strings.TrimSpace(submitted.URLs.Get) == "" {
		o.logf("prediction response missing id or status url id=%q status=%q", submitted.ID, submitted.Status)
		return Result{}, domain.ErrSubmissionFailed
	}

	result := Result{PredictionID: submitted.ID}
	var output json.RawMessage
	succeeded := false

poll:
	for elapsed := 0; elapsed < o.maxPolls; elapsed++ {
		current, err := o.client.GetPrediction(ctx, submitted.URLs.Get)
		result.Polls++
		if err != nil {
			return result, fmt.Errorf("%w: prediction_id=%s: %v", ErrPollFailed, submitted.ID, err)
		}

		switch mapStatus(current.Status) {
		case domain.PredictionStatusSucceeded:
			output = current.Output
			succeeded = true
			break poll
		case domain.PredictionStatusFailed:
			o.logf("prediction failed id=%s status=%s error=%v", submitted.ID, current.Status, current.Error)
			return result, domain.ErrGenerationFailed
		}

		if err := o.wait(ctx, o.pollInterval); err != nil {
			return result, fmt.Errorf("wait for prediction %s: %w", submitted.ID, err)
		}
	}

	if !succeeded {
		o.logf("prediction timed out id=%s polls=%d", submitted.ID, result.Polls)
		return result, domain.ErrNoResult
	}

	image, err := firstOutput(output)
	if err != nil {
		return result, err
	}
	result.Image = image
	return result, nil
}

// mapStatus folds the remote status vocabulary into succeeded, failed or
// pending.
func mapStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case domain.PredictionStatusSucceeded:
		return domain.PredictionStatusSucceeded
	case domain.PredictionStatusFailed, domain.PredictionStatusCanceled:
		return domain.PredictionStatusFailed
	default:
		return "pending"
	}
}

// firstOutput returns the first element of an array output, or the output
// itself otherwise.
func firstOutput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", domain.ErrEmptyResult
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode prediction output: %w", err)
	}

	if items, ok := decoded.([]any); ok {
		if len(items) == 0 {
			return "", domain.ErrEmptyResult
		}
		decoded = items[0]
	}

	switch v := decoded.(type) {
	case nil:
		return "", domain.ErrEmptyResult
	case string:
		if v == "" {
			return "", domain.ErrEmptyResult
		}
		return v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode prediction output: %w", err)
		}
		return string(encoded), nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
