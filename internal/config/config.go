package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	BaseURL     string
	Environment string
	LogLevel    string

	DatabaseURL string
	RedisURL    string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIORegion    string
	// PublicBaseURL fronts the bucket (CDN or reverse proxy). When empty,
	// permanent URLs are built from the MinIO endpoint directly.
	PublicBaseURL string

	// Provider credentials. A provider with no credentials configured is
	// disabled and job submissions for it are rejected.
	AstriaBaseURL     string
	AstriaAPIKey      string
	ReplicateBaseURL  string
	ReplicateAPIToken string
	LocalEngineURL    string

	// Shared secrets for verifying inbound provider callbacks. Optional:
	// a missing secret means signatures are logged but not enforced.
	AstriaWebhookSecret    string
	ReplicateWebhookSecret string
	LocalWebhookSecret     string

	// WebhookBaseURL is the externally reachable base for callback URLs we
	// hand to providers at submission time.
	WebhookBaseURL string

	// PollingConfigPath points at an optional YAML file overriding the
	// per-(provider, job type) polling policies.
	PollingConfigPath string

	SweepInterval    time.Duration
	SweepGraceWindow time.Duration
	SweepStaleness   time.Duration
	SweepBatchSize   int

	DownloadAttempts  int
	DownloadTimeout   time.Duration
	ThumbnailSize     int
	ThumbnailQuality  int
	ThumbnailAttempts int

	OTLPEndpoint string
}

func Load() (*Config, error) {
	// Missing .env is fine; real deployments configure the environment
	// directly.
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.MinIOEndpoint = os.Getenv("MINIO_ENDPOINT")
	if cfg.MinIOEndpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT is required")
	}

	cfg.MinIOAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	if cfg.MinIOAccessKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY is required")
	}

	cfg.MinIOSecretKey = os.Getenv("MINIO_SECRET_KEY")
	if cfg.MinIOSecretKey == "" {
		return nil, fmt.Errorf("MINIO_SECRET_KEY is required")
	}

	cfg.MinIOBucket = getEnvString("MINIO_BUCKET", "generations")
	cfg.MinIOUseSSL = getEnvBool("MINIO_USE_SSL", false)
	cfg.MinIORegion = getEnvString("MINIO_REGION", "us-east-1")
	cfg.PublicBaseURL = os.Getenv("PUBLIC_BASE_URL")

	cfg.AstriaBaseURL = getEnvString("ASTRIA_BASE_URL", "https://api.astria.ai")
	cfg.AstriaAPIKey = os.Getenv("ASTRIA_API_KEY")
	cfg.ReplicateBaseURL = getEnvString("REPLICATE_BASE_URL", "https://api.replicate.com/v1")
	cfg.ReplicateAPIToken = os.Getenv("REPLICATE_API_TOKEN")
	cfg.LocalEngineURL = os.Getenv("LOCAL_ENGINE_URL")

	cfg.AstriaWebhookSecret = os.Getenv("ASTRIA_WEBHOOK_SECRET")
	cfg.ReplicateWebhookSecret = os.Getenv("REPLICATE_WEBHOOK_SECRET")
	cfg.LocalWebhookSecret = os.Getenv("LOCAL_WEBHOOK_SECRET")

	cfg.WebhookBaseURL = getEnvString("WEBHOOK_BASE_URL", cfg.BaseURL)
	cfg.PollingConfigPath = os.Getenv("POLLING_CONFIG_PATH")

	cfg.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", "1m")
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	cfg.SweepGraceWindow, err = getEnvDuration("SWEEP_GRACE_WINDOW", "2m")
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_GRACE_WINDOW: %w", err)
	}
	cfg.SweepStaleness, err = getEnvDuration("SWEEP_STALENESS", "24h")
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_STALENESS: %w", err)
	}
	cfg.SweepBatchSize = getEnvInt("SWEEP_BATCH_SIZE", 50)

	cfg.DownloadAttempts = getEnvInt("DOWNLOAD_ATTEMPTS", 3)
	cfg.DownloadTimeout, err = getEnvDuration("DOWNLOAD_TIMEOUT", "30s")
	if err != nil {
		return nil, fmt.Errorf("invalid DOWNLOAD_TIMEOUT: %w", err)
	}
	cfg.ThumbnailSize = getEnvInt("THUMBNAIL_SIZE", 512)
	cfg.ThumbnailQuality = getEnvInt("THUMBNAIL_QUALITY", 80)
	cfg.ThumbnailAttempts = getEnvInt("THUMBNAIL_ATTEMPTS", 2)

	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	cfg.Environment = getEnvString("ENVIRONMENT", "development")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	return time.ParseDuration(value)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.SweepBatchSize < 1 {
		return fmt.Errorf("invalid sweep batch size: %d", c.SweepBatchSize)
	}

	if c.SweepGraceWindow >= c.SweepStaleness {
		return fmt.Errorf("sweep grace window %s must be shorter than staleness ceiling %s", c.SweepGraceWindow, c.SweepStaleness)
	}

	if c.DownloadAttempts < 1 {
		return fmt.Errorf("invalid download attempts: %d", c.DownloadAttempts)
	}

	return nil
}
