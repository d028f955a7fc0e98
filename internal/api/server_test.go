package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/prediction"
	"github.com/dunamismax/pixelprompt/internal/queue"
	"github.com/dunamismax/pixelprompt/internal/quota"
	"github.com/dunamismax/pixelprompt/internal/ratelimit"
	"github.com/dunamismax/pixelprompt/internal/store"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type fixedCalendar string

func (c fixedCalendar) Today() string { return string(c) }

type fakeGenerator struct {
	result  prediction.Result
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (prediction.Result, error) {
	g.prompts = append(g.prompts, prompt)
	return g.result, g.err
}

type captureArchiver struct {
	payloads []queue.ArchiveImagePayload
	err      error
}

func (a *captureArchiver) EnqueueArchiveImage(_ context.Context, payload queue.ArchiveImagePayload) (*asynq.TaskInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.payloads = append(a.payloads, payload)
	return &asynq.TaskInfo{ID: payload.GenerationID, Queue: "default"}, nil
}

type stubLimiter struct {
	decision ratelimit.Decision
	subjects []string
}

func (l *stubLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	return l.decision, nil
}

func newTestServer(t *testing.T, deps Dependencies) (*Server, *quota.MemoryStore) {
	t.Helper()
	store, err := quota.NewMemoryStore(quota.DefaultDailyLimit)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if deps.Quota == nil {
		deps.Quota = store
	}
	if deps.Calendar == nil {
		deps.Calendar = fixedCalendar("2026-10-19")
	}
	return NewServer(log.New(io.Discard, "", 0), deps), store
}

func postGenerate(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerateReturnsImage(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{PredictionID: "pred-1", Image: "https://cdn/img.png", Polls: 4}}
	srv, store := newTestServer(t, Dependencies{Generator: gen})

	rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["image"]; got != "https://cdn/img.png" {
		t.Fatalf("expected image url, got %v", got)
	}
	if got := rec.Header().Get("X-Quota-Remaining"); got != "4" {
		t.Fatalf("expected X-Quota-Remaining=4, got %q", got)
	}
	if len(gen.prompts) != 1 || gen.prompts[0] != "a tiny robot" {
		t.Fatalf("unexpected prompts: %v", gen.prompts)
	}

	record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 1 {
		t.Fatalf("expected count=1, got %d", record.Count)
	}
}

func TestGenerateSixthRequestRejected(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{PredictionID: "pred-1", Image: "https://cdn/img.png"}}
	srv, store := newTestServer(t, Dependencies{Generator: gen})
	handler := srv.Handler()

	for i := 1; i <= 5; i++ {
		rec := postGenerate(t, handler, `{"prompt":"a tiny robot","uid":"user-1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := postGenerate(t, handler, `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on sixth request, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != domain.ErrQuotaExceeded.Error() {
		t.Fatalf("unexpected error message %v", got)
	}
	if len(gen.prompts) != 5 {
		t.Fatalf("expected generator to run 5 times, ran %d", len(gen.prompts))
	}

	record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 5 {
		t.Fatalf("expected count to stay at 5, got %d", record.Count)
	}

	other := postGenerate(t, handler, `{"prompt":"a tiny robot","uid":"user-2"}`)
	if other.Code != http.StatusOK {
		t.Fatalf("expected a different uid to be unaffected, got %d", other.Code)
	}
}

func TestGenerateMissingInput(t *testing.T) {
	gen := &fakeGenerator{}
	srv, _ := newTestServer(t, Dependencies{Generator: gen})

	for _, body := range []string{`{}`, `{"prompt":"x"}`, `{"uid":"user-1"}`, `{"prompt":"","uid":"user-1"}`} {
		rec := postGenerate(t, srv.Handler(), body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body=%s: expected 400, got %d", body, rec.Code)
		}
		if _, ok := decodeBody(t, rec)["error"]; !ok {
			t.Fatalf("body=%s: expected error field", body)
		}
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator should not run for invalid input")
	}
}

func TestGenerateInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{Generator: &fakeGenerator{}})

	rec := postGenerate(t, srv.Handler(), `{"prompt":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGenerateMisconfiguredDoesNotConsumeQuota(t *testing.T) {
	srv, store := newTestServer(t, Dependencies{})

	rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != domain.ErrMisconfigured.Error() {
		t.Fatalf("unexpected error message %v", got)
	}

	record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 0 {
		t.Fatalf("expected no quota consumed, got %d", record.Count)
	}
}

func TestGenerateFailureMapsErrorAndReleasesQuota(t *testing.T) {
	cases := []struct {
		err     error
		message string
	}{
		{fmt.Errorf("%w: replicate returned status=422", domain.ErrSubmissionFailed), domain.ErrSubmissionFailed.Error()},
		{domain.ErrGenerationFailed, domain.ErrGenerationFailed.Error()},
		{domain.ErrNoResult, domain.ErrNoResult.Error()},
		{domain.ErrEmptyResult, domain.ErrEmptyResult.Error()},
		{fmt.Errorf("%w: connection reset", prediction.ErrPollFailed), "internal server error"},
	}

	for _, tc := range cases {
		srv, store := newTestServer(t, Dependencies{Generator: &fakeGenerator{err: tc.err}})

		rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("err=%v: expected 500, got %d", tc.err, rec.Code)
		}
		if got := decodeBody(t, rec)["error"]; got != tc.message {
			t.Fatalf("err=%v: expected message %q, got %v", tc.err, tc.message, got)
		}

		record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
		if record.Count != 0 {
			t.Fatalf("err=%v: expected quota to be released, got count=%d", tc.err, record.Count)
		}
	}
}

func TestGenerateEnqueuesArchive(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{PredictionID: "pred-9", Image: "https://cdn/img.png"}}
	archiver := &captureArchiver{}
	srv, _ := newTestServer(t, Dependencies{Generator: gen, Archiver: archiver})

	rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(archiver.payloads) != 1 {
		t.Fatalf("expected one archive task, got %d", len(archiver.payloads))
	}
	payload := archiver.payloads[0]
	if payload.PredictionID != "pred-9" || payload.ImageURL != "https://cdn/img.png" || payload.QuotaDate != "2026-10-19" {
		t.Fatalf("unexpected archive payload: %+v", payload)
	}
	if payload.GenerationID == "" {
		t.Fatal("expected generation id to be set")
	}
}

func TestGenerateArchiveFailureDoesNotFailRequest(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{PredictionID: "pred-9", Image: "https://cdn/img.png"}}
	srv, _ := newTestServer(t, Dependencies{Generator: gen, Archiver: &captureArchiver{err: errors.New("redis down")}})

	rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite archive failure, got %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, store := newTestServer(t, Dependencies{Generator: &fakeGenerator{}})
	store.Set("user-1", domain.UsageRecord{Date: "2026-10-19", Count: 3})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage?uid=user-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(3) || body["remaining"] != float64(2) || body["limit"] != float64(5) {
		t.Fatalf("unexpected usage body: %v", body)
	}

	missing := httptest.NewRecorder()
	srv.Handler().ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without uid, got %d", missing.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{Generator: &fakeGenerator{}})

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("expected requested headers to be echoed, got %q", got)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{
		Generator:      &fakeGenerator{},
		AllowedOrigins: []string{"https://app.example.com"},
	})

	allowed := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, allowed)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", got)
	}

	denied := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, denied)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header, got %q", got)
	}
}

func TestRateLimitRejectsGenerate(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{Image: "https://cdn/img.png"}}
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	srv, _ := newTestServer(t, Dependencies{Generator: gen, RateLimiter: limiter})

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"a","uid":"u"}`))
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("expected Retry-After=3, got %q", got)
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "203.0.113.7:/generate" {
		t.Fatalf("unexpected limiter subjects: %v", limiter.subjects)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator should not run when rate limited")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{Generator: &fakeGenerator{}})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pixelprompt_api_requests_total") {
		t.Fatal("expected request counter in metrics output")
	}
}

func TestGenerationsEndpoints(t *testing.T) {
	generations := store.NewMemoryGenerationStore()
	base := time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)
	for i := range 3 {
		if err := generations.Save(context.Background(), domain.Generation{
			ID:        fmt.Sprintf("gen-%d", i),
			UID:       "user-1",
			ObjectKey: fmt.Sprintf("generations/2026-10-19/user-1/p%d.png", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed generation: %v", err)
		}
	}
	srv, _ := newTestServer(t, Dependencies{Generator: &fakeGenerator{}, Generations: generations})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations?uid=user-1&limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Generations []domain.Generation `json:"generations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Generations) != 2 || list.Generations[0].ID != "gen-2" {
		t.Fatalf("expected newest two generations, got %+v", list.Generations)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/gen-0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["object_key"] != "generations/2026-10-19/user-1/p0.png" {
		t.Fatalf("unexpected generation body: %v", body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations?uid=user-1&limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestGenerationsEndpointWithoutArchive(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{Generator: &fakeGenerator{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations?uid=user-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when archive is disabled, got %d", rec.Code)
	}
}

// blockingGenerator waits for its context to end, like a poll loop that never
// reaches a terminal state.
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, _ string) (prediction.Result, error) {
	close(g.started)
	<-ctx.Done()
	return prediction.Result{PredictionID: "pred-slow"}, ctx.Err()
}

// liveContextStore refuses to release on a finished context, as a network
// backend would.
type liveContextStore struct {
	*quota.MemoryStore
}

func (s liveContextStore) Release(ctx context.Context, uid, date string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Release(ctx, uid, date)
}

func TestGenerateCanceledReleasesQuota(t *testing.T) {
	gen := &fakeGenerator{err: context.Canceled}
	srv, store := newTestServer(t, Dependencies{Generator: gen})

	rec := postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 0 {
		t.Fatalf("expected count=0 after release, got %d", record.Count)
	}
}

func TestGenerateStopsOnShutdownAndReleasesQuota(t *testing.T) {
	memory, err := quota.NewMemoryStore(quota.DefaultDailyLimit)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	shutdownCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	gen := &blockingGenerator{started: make(chan struct{})}
	srv, _ := newTestServer(t, Dependencies{
		Generator:       gen,
		Quota:           liveContextStore{memory},
		ShutdownContext: shutdownCtx,
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postGenerate(t, srv.Handler(), `{"prompt":"a tiny robot","uid":"user-1"}`)
	}()

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never started")
	}
	shutdown()

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop on shutdown")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	record, _ := memory.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 0 {
		t.Fatalf("expected count=0 after shutdown release, got %d", record.Count)
	}
}

func TestGenerateClientDisconnectDoesNotCancelGeneration(t *testing.T) {
	gen := &ctxRecordingGenerator{result: prediction.Result{Image: "https://cdn/img.png"}}
	srv, _ := newTestServer(t, Dependencies{Generator: gen})

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"a","uid":"user-1"}`)).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gen.ctxErr != nil {
		t.Fatalf("generation context should not inherit the request cancel, got %v", gen.ctxErr)
	}
}

type ctxRecordingGenerator struct {
	result prediction.Result
	ctxErr error
}

func (g *ctxRecordingGenerator) Generate(ctx context.Context, _ string) (prediction.Result, error) {
	g.ctxErr = ctx.Err()
	return g.result, nil
}

func TestGeneratePaddedUIDSharesQuota(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{Image: "https://cdn/img.png"}}
	srv, store := newTestServer(t, Dependencies{Generator: gen})
	handler := srv.Handler()

	for _, uid := range []string{"user-1", " user-1", "user-1  "} {
		rec := postGenerate(t, handler, `{"prompt":"a tiny robot","uid":"`+uid+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("uid=%q: expected 200, got %d", uid, rec.Code)
		}
	}

	record, _ := store.Usage(context.Background(), "user-1", "2026-10-19")
	if record.Count != 3 {
		t.Fatalf("expected padded uids to share one record with count=3, got %d", record.Count)
	}
}

func newRedisLimiter(t *testing.T, capacity int) *ratelimit.TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewTokenBucket(client, capacity, time.Minute, "test:ratelimit")
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}
	return limiter
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	gen := &fakeGenerator{result: prediction.Result{Image: "https://cdn/img.png"}}
	srv, _ := newTestServer(t, Dependencies{Generator: gen, RateLimiter: newRedisLimiter(t, 1)})
	handler := srv.Handler()

	var codes []int
	for i := range 4 {
		req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"a","uid":"u"}`))
		req.RemoteAddr = "203.0.113.7:51234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected codes %v, got %v", want, codes)
		}
	}
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 5}}
	srv, _ := newTestServer(t, Dependencies{
		Generator:      &fakeGenerator{result: prediction.Result{Image: "https://cdn/img.png"}},
		RateLimiter:    limiter,
		TrustedProxies: []string{"10.0.0.0/8", "not-an-ip"},
	})

	cases := []struct {
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"10.0.0.2:443", "198.51.100.9, 10.0.0.5", "198.51.100.9:/generate"},
		{"10.0.0.2:443", "", "10.0.0.2:/generate"},
		{"203.0.113.7:51234", "198.51.100.9", "203.0.113.7:/generate"},
	}
	for _, tc := range cases {
		limiter.subjects = nil
		req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"a","uid":"u"}`))
		req.RemoteAddr = tc.remoteAddr
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

		if len(limiter.subjects) != 1 || limiter.subjects[0] != tc.want {
			t.Fatalf("remote=%s forwarded=%q: expected subject %s, got %v", tc.remoteAddr, tc.forwarded, tc.want, limiter.subjects)
		}
	}
}
