// Package config loads process configuration from the environment (and an
// optional .env file) for the API, the worker and the CLI tools.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string
	HTTPPort    string
	// MetricsPort serves /metrics from the worker.
	MetricsPort string
	// PublicBaseURL is where this API is reachable from outside; used for
	// localfs asset URLs and default webhook URLs.
	PublicBaseURL string

	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Render   RenderConfig
	Storage  StorageConfig
	Poll     PollConfig

	Replicate ReplicateConfig
	Runway    RunwayConfig

	// Notifier: creatives | redis | both | none
	Notifier           string
	NotifierChannel    string
	WebhookRateLimit   float64
	WebhookBurst       int
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

type DatabaseConfig struct {
	URL           string
	RunMigrations bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RenderConfig struct {
	// StoreDriver: postgres | memory
	StoreDriver string
	// Locker: local | redis
	Locker          string
	Providers       []string
	ProviderTimeout time.Duration
	MaxRetries      int
	FinalizerMirror bool
	LockTTL         time.Duration
	// FinalizeClaimTTL bounds how long a crashed finalizer blocks others.
	FinalizeClaimTTL time.Duration
}

type StorageConfig struct {
	Provider string

	LocalRoot string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicBaseURL   string
	S3UsePathStyle    bool
}

type PollConfig struct {
	QueueName   string
	Concurrency int
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BatchSize   int
}

type ReplicateConfig struct {
	APIToken      string
	BaseURL       string
	ModelVersion  string
	WebhookURL    string
	WebhookSecret string
}

type RunwayConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	WebhookURL string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "mediarender")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("METRICS_PORT", "9091")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_SOURCE", false)
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("LOCKER", "redis")
	v.SetDefault("PROVIDERS", "stub")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("FINALIZER_MIRROR", false)
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("FINALIZE_CLAIM_TTL", "15m")
	v.SetDefault("STORAGE_PROVIDER", "localfs")
	v.SetDefault("STORAGE_LOCAL_ROOT", "./data/assets")
	v.SetDefault("S3_REGION", "auto")
	v.SetDefault("NOTIFIER", "creatives")
	v.SetDefault("NOTIFIER_CHANNEL", "mediarender:asset-ready")
	v.SetDefault("POLL_QUEUE_NAME", "mediarender:polls")
	v.SetDefault("POLL_CONCURRENCY", 4)
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("POLL_BACKOFF_BASE", "5s")
	v.SetDefault("POLL_BACKOFF_MAX", "5m")
	v.SetDefault("POLL_BATCH_SIZE", 16)
	v.SetDefault("WEBHOOK_RATE_LIMIT", 20.0)
	v.SetDefault("WEBHOOK_BURST", 40)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("RUNWAY_API_VERSION", "2024-11-06")
}

// Load reads .env files when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	c := Config{
		ServiceName:   v.GetString("SERVICE_NAME"),
		HTTPPort:      v.GetString("HTTP_PORT"),
		MetricsPort:   v.GetString("METRICS_PORT"),
		PublicBaseURL: strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		Log: LogConfig{
			Level:     v.GetString("LOG_LEVEL"),
			Format:    v.GetString("LOG_FORMAT"),
			AddSource: v.GetBool("LOG_SOURCE"),
		},
		Database: DatabaseConfig{
			URL:           v.GetString("DATABASE_URL"),
			RunMigrations: v.GetBool("RUN_MIGRATIONS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Render: RenderConfig{
			StoreDriver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			Locker:           strings.ToLower(v.GetString("LOCKER")),
			Providers:        splitList(v.GetString("PROVIDERS")),
			ProviderTimeout:  v.GetDuration("PROVIDER_TIMEOUT"),
			MaxRetries:       v.GetInt("MAX_RETRIES"),
			FinalizerMirror:  v.GetBool("FINALIZER_MIRROR"),
			LockTTL:          v.GetDuration("LOCK_TTL"),
			FinalizeClaimTTL: v.GetDuration("FINALIZE_CLAIM_TTL"),
		},
		Storage: StorageConfig{
			Provider:           strings.ToLower(v.GetString("STORAGE_PROVIDER")),
			LocalRoot:          v.GetString("STORAGE_LOCAL_ROOT"),
			GDriveClientID:     v.GetString("GDRIVE_CLIENT_ID"),
			GDriveClientSecret: v.GetString("GDRIVE_CLIENT_SECRET"),
			GDriveRefreshToken: v.GetString("GDRIVE_REFRESH_TOKEN"),
			GDriveFolderID:     v.GetString("GDRIVE_FOLDER_ID"),
			S3Bucket:           v.GetString("S3_BUCKET"),
			S3Region:           v.GetString("S3_REGION"),
			S3Endpoint:         v.GetString("S3_ENDPOINT"),
			S3AccessKeyID:      v.GetString("S3_ACCESS_KEY_ID"),
			S3SecretAccessKey:  v.GetString("S3_SECRET_ACCESS_KEY"),
			S3PublicBaseURL:    v.GetString("S3_PUBLIC_BASE_URL"),
			S3UsePathStyle:     v.GetBool("S3_USE_PATH_STYLE"),
		},
		Poll: PollConfig{
			QueueName:   v.GetString("POLL_QUEUE_NAME"),
			Concurrency: v.GetInt("POLL_CONCURRENCY"),
			Interval:    v.GetDuration("POLL_INTERVAL"),
			BackoffBase: v.GetDuration("POLL_BACKOFF_BASE"),
			BackoffMax:  v.GetDuration("POLL_BACKOFF_MAX"),
			BatchSize:   v.GetInt("POLL_BATCH_SIZE"),
		},
		Replicate: ReplicateConfig{
			APIToken:      v.GetString("REPLICATE_API_TOKEN"),
			BaseURL:       v.GetString("REPLICATE_BASE_URL"),
			ModelVersion:  v.GetString("REPLICATE_MODEL_VERSION"),
			WebhookURL:    v.GetString("REPLICATE_WEBHOOK_URL"),
			WebhookSecret: v.GetString("REPLICATE_WEBHOOK_SECRET"),
		},
		Runway: RunwayConfig{
			APIKey:     v.GetString("RUNWAY_API_KEY"),
			BaseURL:    v.GetString("RUNWAY_BASE_URL"),
			APIVersion: v.GetString("RUNWAY_API_VERSION"),
			WebhookURL: v.GetString("RUNWAY_WEBHOOK_URL"),
		},
		Notifier:           strings.ToLower(v.GetString("NOTIFIER")),
		NotifierChannel:    v.GetString("NOTIFIER_CHANNEL"),
		WebhookRateLimit:   v.GetFloat64("WEBHOOK_RATE_LIMIT"),
		WebhookBurst:       v.GetInt("WEBHOOK_BURST"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		ShutdownTimeout:    v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if c.Replicate.WebhookURL == "" && c.PublicBaseURL != "" {
		c.Replicate.WebhookURL = c.PublicBaseURL + "/render-jobs/webhook/stable-diffusion"
	}
	if c.Runway.WebhookURL == "" && c.PublicBaseURL != "" {
		c.Runway.WebhookURL = c.PublicBaseURL + "/render-jobs/webhook/runway-ml"
	}

	return c, c.Validate()
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Render.StoreDriver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Render.StoreDriver)
	}
	switch c.Render.Locker {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown LOCKER %q", c.Render.Locker)
	}
	switch c.Notifier {
	case "creatives", "redis", "both", "none":
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}
	if c.Render.StoreDriver == "memory" && (c.Notifier == "creatives" || c.Notifier == "both") {
		return fmt.Errorf("NOTIFIER=%s needs STORE_DRIVER=postgres", c.Notifier)
	}
	if c.Render.MaxRetries < 1 || c.Render.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.Render.MaxRetries)
	}
	if c.Render.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if len(c.Render.Providers) == 0 {
		return fmt.Errorf("PROVIDERS must name at least one provider")
	}
	if c.Poll.Concurrency < 1 {
		return fmt.Errorf("POLL_CONCURRENCY must be at least 1")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
