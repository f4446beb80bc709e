package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue driver and backend selectors. Read once at startup; core logic only
// ever sees the interface the selection produced.
const (
	QueueDriverTick = "tick"
	QueueDriverNats = "nats"

	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisAddr   string
	NatsURL     string

	StoreBackend        string
	QueueDriver         string
	RateLimitBackend    string
	RateLimitFailClosed bool
	RateLimitMax        int64
	RateLimitWindow     time.Duration

	WorkerConcurrency int
	WorkerMaxAttempts int
	PollBaseInterval  time.Duration
	PollSlowInterval  time.Duration
	ProgressHighWater int
	TickBatch         int

	DefaultCreditBalance int64
	CostPreview          int64
	CostRefine           int64

	MeshProvider string
	MeshAPIKey   string
	MeshBaseURL  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	AllowedOrigins []string
	DefaultLocale  string
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NatsURL:     os.Getenv("NATS_URL"),

		StoreBackend:        getEnv("STORE_BACKEND", StoreBackendPostgres),
		QueueDriver:         getEnv("QUEUE_DRIVER", QueueDriverTick),
		RateLimitBackend:    getEnv("RATE_LIMIT_BACKEND", RateLimitBackendMemory),
		RateLimitFailClosed: getEnvBool("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMax:        int64(getEnvInt("RATE_LIMIT_MAX", 30)),
		RateLimitWindow:     time.Second * time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerMaxAttempts: getEnvInt("WORKER_MAX_ATTEMPTS", 10),
		PollBaseInterval:  time.Millisecond * time.Duration(getEnvInt("POLL_BASE_INTERVAL_MS", 2000)),
		PollSlowInterval:  time.Millisecond * time.Duration(getEnvInt("POLL_SLOW_INTERVAL_MS", 10000)),
		ProgressHighWater: getEnvInt("PROGRESS_HIGH_WATER", 90),
		TickBatch:         getEnvInt("TICK_BATCH", 5),

		DefaultCreditBalance: int64(getEnvInt("DEFAULT_CREDIT_BALANCE", 100)),
		CostPreview:          int64(getEnvInt("COST_PREVIEW", 10)),
		CostRefine:           int64(getEnvInt("COST_REFINE", 20)),

		MeshProvider: getEnv("MESH_PROVIDER", "meshforge"),
		MeshAPIKey:   os.Getenv("MESH_API_KEY"),
		MeshBaseURL:  os.Getenv("MESH_BASE_URL"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		DefaultLocale:  getEnv("DEFAULT_LOCALE", "en"),
	}

	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q, must be 'postgres' or 'memory'", cfg.StoreBackend)
	}

	switch cfg.QueueDriver {
	case QueueDriverTick:
	case QueueDriverNats:
		if cfg.NatsURL == "" {
			return nil, fmt.Errorf("NATS_URL is required when QUEUE_DRIVER=nats")
		}
	default:
		return nil, fmt.Errorf("invalid QUEUE_DRIVER %q, must be 'tick' or 'nats'", cfg.QueueDriver)
	}

	switch cfg.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("invalid RATE_LIMIT_BACKEND %q, must be 'memory' or 'redis'", cfg.RateLimitBackend)
	}

	if cfg.ProgressHighWater < 0 || cfg.ProgressHighWater > 100 {
		return nil, fmt.Errorf("PROGRESS_HIGH_WATER must be within 0..100")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
