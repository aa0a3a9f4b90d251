package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Ledger     LedgerConfig
	Scheduler  SchedulerConfig
	Pricing    PricingConfig
	OIDC       OIDCConfig
	ElevenLabs ElevenLabsConfig
	Replicate  ReplicateConfig
	R2         R2Config
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerMin int
	AccountPerMin  int
}

type LedgerConfig struct {
	ReservationTTLMin   int
	SweepIntervalMin    int
	SnapshotIntervalMin int
}

type SchedulerConfig struct {
	QueueCapacity      int
	RetryLimit         int
	DispatchTimeoutSec int
	WorkersPerType     int
	RetentionHours     int
}

type PricingConfig struct {
	MarkupPercent int
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
}

type ReplicateConfig struct {
	APIToken   string
	BaseURL    string
	ImageModel string
	VideoModel string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("ELEVENLABS_API_KEY")
	readSecret("REPLICATE_API_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generate_per_min", "RATELIMIT_GENERATE_PER_MIN")
	_ = viper.BindEnv("ratelimit.account_per_min", "RATELIMIT_ACCOUNT_PER_MIN")
	_ = viper.BindEnv("ledger.reservation_ttl_min", "LEDGER_RESERVATION_TTL_MIN")
	_ = viper.BindEnv("ledger.sweep_interval_min", "LEDGER_SWEEP_INTERVAL_MIN")
	_ = viper.BindEnv("ledger.snapshot_interval_min", "LEDGER_SNAPSHOT_INTERVAL_MIN")
	_ = viper.BindEnv("scheduler.queue_capacity", "SCHEDULER_QUEUE_CAPACITY")
	_ = viper.BindEnv("scheduler.retry_limit", "SCHEDULER_RETRY_LIMIT")
	_ = viper.BindEnv("scheduler.dispatch_timeout_sec", "SCHEDULER_DISPATCH_TIMEOUT_SEC")
	_ = viper.BindEnv("scheduler.workers_per_type", "SCHEDULER_WORKERS_PER_TYPE")
	_ = viper.BindEnv("scheduler.retention_hours", "SCHEDULER_RETENTION_HOURS")
	_ = viper.BindEnv("pricing.markup_percent", "PRICING_MARKUP_PERCENT")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("elevenlabs.api_key", "ELEVENLABS_API_KEY")
	_ = viper.BindEnv("elevenlabs.base_url", "ELEVENLABS_BASE_URL")
	_ = viper.BindEnv("elevenlabs.voice_id", "ELEVENLABS_VOICE_ID")
	_ = viper.BindEnv("elevenlabs.model_id", "ELEVENLABS_MODEL_ID")
	_ = viper.BindEnv("replicate.api_token", "REPLICATE_API_TOKEN")
	_ = viper.BindEnv("replicate.base_url", "REPLICATE_BASE_URL")
	_ = viper.BindEnv("replicate.image_model", "REPLICATE_IMAGE_MODEL")
	_ = viper.BindEnv("replicate.video_model", "REPLICATE_VIDEO_MODEL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_min", 30)
	viper.SetDefault("ratelimit.account_per_min", 60)

	// Ledger defaults
	viper.SetDefault("ledger.reservation_ttl_min", 30)
	viper.SetDefault("ledger.sweep_interval_min", 5)
	viper.SetDefault("ledger.snapshot_interval_min", 1)

	// Scheduler defaults
	viper.SetDefault("scheduler.queue_capacity", 100)
	viper.SetDefault("scheduler.retry_limit", 3)
	viper.SetDefault("scheduler.dispatch_timeout_sec", 300)
	viper.SetDefault("scheduler.workers_per_type", 2)
	viper.SetDefault("scheduler.retention_hours", 24)

	// Pricing defaults
	viper.SetDefault("pricing.markup_percent", 30)

	// Vendor defaults
	viper.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io")
	viper.SetDefault("elevenlabs.voice_id", "21m00Tcm4TlvDq8ikWAM")
	viper.SetDefault("elevenlabs.model_id", "eleven_multilingual_v2")
	viper.SetDefault("replicate.base_url", "https://api.replicate.com")
	viper.SetDefault("replicate.image_model", "black-forest-labs/flux-schnell")
	viper.SetDefault("replicate.video_model", "minimax/video-01")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerMin: viper.GetInt("ratelimit.generate_per_min"),
			AccountPerMin:  viper.GetInt("ratelimit.account_per_min"),
		},
		Ledger: LedgerConfig{
			ReservationTTLMin:   viper.GetInt("ledger.reservation_ttl_min"),
			SweepIntervalMin:    viper.GetInt("ledger.sweep_interval_min"),
			SnapshotIntervalMin: viper.GetInt("ledger.snapshot_interval_min"),
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:      viper.GetInt("scheduler.queue_capacity"),
			RetryLimit:         viper.GetInt("scheduler.retry_limit"),
			DispatchTimeoutSec: viper.GetInt("scheduler.dispatch_timeout_sec"),
			WorkersPerType:     viper.GetInt("scheduler.workers_per_type"),
			RetentionHours:     viper.GetInt("scheduler.retention_hours"),
		},
		Pricing: PricingConfig{
			MarkupPercent: viper.GetInt("pricing.markup_percent"),
		},
		OIDC: OIDCConfig{
			Issuer:   viper.GetString("oidc.issuer"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:  viper.GetString("elevenlabs.api_key"),
			BaseURL: viper.GetString("elevenlabs.base_url"),
			VoiceID: viper.GetString("elevenlabs.voice_id"),
			ModelID: viper.GetString("elevenlabs.model_id"),
		},
		Replicate: ReplicateConfig{
			APIToken:   viper.GetString("replicate.api_token"),
			BaseURL:    viper.GetString("replicate.base_url"),
			ImageModel: viper.GetString("replicate.image_model"),
			VideoModel: viper.GetString("replicate.video_model"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
