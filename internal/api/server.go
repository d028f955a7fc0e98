package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/id"
	"github.com/dunamismax/pixelprompt/internal/prediction"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/quota"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	releaseTimeout   = 5 * time.Second
)

type Server struct {
	logger         *log.Logger
	generator      Generator
	quota          quota.Store
	calendar       Calendar
	archiver       archiveEnqueuer
	generations    store.GenerationStore
	rateLimiter    RateLimiter
	trustedProxies []netip.Prefix
	cors           *cors.Cors
	shutdownCtx    context.Context
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (prediction.Result, error)
}

type Calendar interface {
	Today() string
}

type archiveEnqueuer interface {
	EnqueueArchiveImage(ctx context.Context, payload queue.ArchiveImagePayload) (*asynq.TaskInfo, error)
}

// Dependencies wires the server. A nil Generator means the Replicate token is
// missing; /generate then answers 500 without touching the quota. Archiver,
// Generations and RateLimiter are optional.
//
// ShutdownContext cancels in-flight generations when it is done; nil means
// they only end on their own poll budget. TrustedProxies lists the CIDRs or
// addresses whose X-Forwarded-For header is honoured for rate limiting.
type Dependencies struct {
	Generator       Generator
	Quota           quota.Store
	Calendar        Calendar
	Archiver        archiveEnqueuer
	Generations     store.GenerationStore
	RateLimiter     RateLimiter
	AllowedOrigins  []string
	TrustedProxies  []string
	ShutdownContext context.Context
}

func NewServer(logger *log.Logger, deps Dependencies) *Server {
	s := &Server{
		logger:         logger,
		generator:      deps.Generator,
		quota:          deps.Quota,
		calendar:       deps.Calendar,
		archiver:       deps.Archiver,
		generations:    deps.Generations,
		rateLimiter:    deps.RateLimiter,
		cors:           newCORS(deps.AllowedOrigins),
		shutdownCtx:    deps.ShutdownContext,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("pixelprompt/api"),
		mux:            http.NewServeMux(),
	}
	if s.shutdownCtx == nil {
		s.shutdownCtx = context.Background()
	}

	proxies, invalid := parseTrustedProxies(deps.TrustedProxies)
	for _, entry := range invalid {
		logger.Printf("ignoring invalid trusted proxy %q", entry)
	}
	s.trustedProxies = proxies

	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withCORS(s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
	s.mux.HandleFunc("GET /v1/generations", s.handleListGenerations)
	s.mux.HandleFunc("GET /v1/generations/{id}", s.handleGetGeneration)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Normalize()

	if s.generator == nil {
		s.logger.Printf("generate rejected uid=%s: %v", req.UID, domain.ErrMisconfigured)
		s.writeGenerateError(w, domain.ErrMisconfigured)
		return
	}

	date := s.calendar.Today()
	decision, err := s.quota.CheckAndConsume(r.Context(), req.UID, date)
	if err != nil {
		s.logger.Printf("quota check failed uid=%s date=%s err=%v", req.UID, date, err)
		s.writeGenerateError(w, err)
		return
	}
	w.Header().Set("X-Quota-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining()))
	if !decision.Allowed {
		s.metrics.quotaRejected.Inc()
		s.writeGenerateError(w, domain.ErrQuotaExceeded)
		return
	}

	// Generation outlives a client disconnect but stops on server shutdown.
	detached := context.WithoutCancel(r.Context())
	genCtx, cancelGen := context.WithCancel(detached)
	defer cancelGen()
	stopOnShutdown := context.AfterFunc(s.shutdownCtx, cancelGen)
	defer stopOnShutdown()

	startedAt := time.Now()
	result, err := s.generator.Generate(genCtx, req.Prompt)
	s.metrics.observeGeneration(result, err, time.Since(startedAt))
	if err != nil {
		s.logger.Printf(
			"generation failed uid=%s prediction_id=%s polls=%d err=%v",
			req.UID, result.PredictionID, result.Polls, err,
		)
		releaseCtx, cancelRelease := context.WithTimeout(detached, releaseTimeout)
		releaseErr := s.quota.Release(releaseCtx, req.UID, date)
		cancelRelease()
		if releaseErr != nil {
			s.logger.Printf("quota release failed uid=%s date=%s err=%v", req.UID, date, releaseErr)
		} else {
			w.Header().Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining()+1))
		}
		s.writeGenerateError(w, err)
		return
	}

	s.logger.Printf(
		"generated uid=%s prediction_id=%s polls=%d count=%d/%d",
		req.UID, result.PredictionID, result.Polls, decision.Record.Count, decision.Limit,
	)
	s.enqueueArchive(detached, req, result, date)

	writeJSON(w, http.StatusOK, domain.GenerateResponse{Image: result.Image})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	date := s.calendar.Today()
	record, err := s.quota.Usage(r.Context(), uid, date)
	if err != nil {
		s.logger.Printf("usage lookup failed uid=%s err=%v", uid, err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	limit := s.quota.Limit()
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":       uid,
		"date":      record.Date,
		"count":     record.Count,
		"limit":     limit,
		"remaining": max(0, limit-record.Count),
	})
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if s.generations == nil {
		writeError(w, http.StatusNotFound, "archive is not enabled")
		return
	}

	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	generations, err := s.generations.ListByUID(r.Context(), uid, limit)
	if err != nil {
		s.logger.Printf("list generations failed uid=%s err=%v", uid, err)
		writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	if generations == nil {
		generations = []domain.Generation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": generations})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	if s.generations == nil {
		writeError(w, http.StatusNotFound, "archive is not enabled")
		return
	}

	generationID := r.PathValue("id")
	generation, ok, err := s.generations.Get(r.Context(), generationID)
	if err != nil {
		s.logger.Printf("get generation failed generation_id=%s err=%v", generationID, err)
		writeError(w, http.StatusInternalServerError, "failed to load generation")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrGenerationNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, generation)
}

func (s *Server) enqueueArchive(ctx context.Context, req domain.GenerateRequest, result prediction.Result, date string) {
	if s.archiver == nil {
		return
	}

	payload := queue.ArchiveImagePayload{
		GenerationID: id.New(),
		UID:          req.UID,
		Prompt:       req.Prompt,
		PredictionID: result.PredictionID,
		ImageURL:     result.Image,
		QuotaDate:    date,
		RequestedAt:  time.Now().UTC(),
	}
	info, err := s.archiver.EnqueueArchiveImage(ctx, payload)
	if err != nil {
		s.metrics.archiveEnqueued.WithLabelValues("error").Inc()
		s.logger.Printf("archive enqueue failed prediction_id=%s err=%v", result.PredictionID, err)
		return
	}
	s.metrics.archiveEnqueued.WithLabelValues("ok").Inc()
	s.logger.Printf("archive enqueued prediction_id=%s task_id=%s queue=%s", result.PredictionID, info.ID, info.Queue)
}

func (s *Server) writeGenerateError(w http.ResponseWriter, err error) {
	status, message := classifyError(err)
	writeError(w, status, message)
}

// classifyError maps failures to a status code and a client-safe message.
func classifyError(err error) (int, string) {
	for _, known := range []struct {
		err    error
		status int
	}{
		{domain.ErrMissingInput, http.StatusBadRequest},
		{domain.ErrQuotaExceeded, http.StatusForbidden},
		{domain.ErrMisconfigured, http.StatusInternalServerError},
		{domain.ErrSubmissionFailed, http.StatusInternalServerError},
		{domain.ErrGenerationFailed, http.StatusInternalServerError},
		{domain.ErrNoResult, http.StatusInternalServerError},
		{domain.ErrEmptyResult, http.StatusInternalServerError},
	} {
		if errors.Is(err, known.err) {
			return known.status, known.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
