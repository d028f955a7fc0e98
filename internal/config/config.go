package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultModelVersion = "55a41a6a19205f74a3ee0ec4186972fefe4039c8598c701a7a24afd45bcb127b"

	QuotaBackendMemory   = "memory"
	QuotaBackendRedis    = "redis"
	QuotaBackendPostgres = "postgres"
)

type Config struct {
	API       APIConfig
	Replicate ReplicateConfig
	Quota     QuotaConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
}

type APIConfig struct {
	Addr               string
	CORSAllowedOrigins []string
	ArchiveEnabled     bool
}

type ReplicateConfig struct {
	APIToken     string
	BaseURL      string
	ModelVersion string
	PollInterval time.Duration
	MaxPolls     int
	HTTPTimeout  time.Duration
}

type QuotaConfig struct {
	Backend    string
	DailyLimit int
	TimeZone   string
	KeyPrefix  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

func (r RedisConfig) AsynqClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

type QueueConfig struct {
	Name string
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	FetchTimeout   time.Duration
	MaxImageBytes  int64
	ThumbnailWidth int
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	Window         time.Duration
	TrustedProxies []string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

// Load reads .env (when present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		API: APIConfig{
			Addr:               ":" + env("PORT", "3001"),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ArchiveEnabled:     envBool("ARCHIVE_ENABLED", false),
		},
		Replicate: ReplicateConfig{
			APIToken:     env("REPLICATE_API_TOKEN", ""),
			BaseURL:      env("REPLICATE_BASE_URL", "https://api.replicate.com"),
			ModelVersion: env("REPLICATE_MODEL_VERSION", DefaultModelVersion),
			PollInterval: envDuration("REPLICATE_POLL_INTERVAL", time.Second),
			MaxPolls:     envInt("REPLICATE_MAX_POLLS", 55),
			HTTPTimeout:  envDuration("REPLICATE_HTTP_TIMEOUT", 30*time.Second),
		},
		Quota: QuotaConfig{
			Backend:    strings.ToLower(env("QUOTA_BACKEND", QuotaBackendMemory)),
			DailyLimit: envInt("QUOTA_DAILY_LIMIT", 5),
			TimeZone:   env("QUOTA_TIMEZONE", "Asia/Seoul"),
			KeyPrefix:  env("QUOTA_KEY_PREFIX", "pixelprompt:quota"),
		},
		Redis: RedisConfig{
			Addr:     env("REDIS_ADDR", "localhost:6379"),
			Password: env("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Name: env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", max(1, runtime.NumCPU()/2)),
			FetchTimeout:   envDuration("WORKER_FETCH_TIMEOUT", 30*time.Second),
			MaxImageBytes:  int64(envInt("WORKER_MAX_IMAGE_BYTES", 32<<20)),
			ThumbnailWidth: envInt("WORKER_THUMBNAIL_WIDTH", 256),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "pixelprompt-generations"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:        envBool("RATE_LIMIT_ENABLED", false),
			Capacity:       envInt("RATE_LIMIT_CAPACITY", 10),
			Window:         envDuration("RATE_LIMIT_WINDOW", time.Minute),
			TrustedProxies: envList("RATE_LIMIT_TRUSTED_PROXIES", nil),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
		Webhook: WebhookConfig{
			URL:           env("WEBHOOK_URL", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envList(key string, fallback []string) []string {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
