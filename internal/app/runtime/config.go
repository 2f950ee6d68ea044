package runtime

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs, populated from the environment.
// A .env file is honored when present.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Auth     AuthConfig
	Blob     BlobConfig
	GenAI    GenAIConfig
	Payment  PaymentConfig
	Limits   LimitsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver selects the store: "postgres" or "memory".
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

type RedisConfig struct {
	// Addr enables the Redis throttle store when set.
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

type AuthConfig struct {
	JWTSecret      string
	ThrottleSecret string
}

type BlobConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

type GenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type PaymentConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	SuccessURL    string
	CancelURL     string
}

type LimitsConfig struct {
	RequestsPerSecond int
	Burst             int
	AuditSchedule     string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         envStr("SERVER_HOST", "0.0.0.0"),
			Port:         envInt("SERVER_PORT", 8080),
			ReadTimeout:  envDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: envDuration("SERVER_WRITE_TIMEOUT", 150*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          envStr("DATABASE_DRIVER", "memory"),
			DSN:             os.Getenv("DATABASE_DSN"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			Migrate:         envBool("DATABASE_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "json"),
			Output: envStr("LOG_OUTPUT", "stdout"),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			ThrottleSecret: os.Getenv("THROTTLE_SECRET"),
		},
		Blob: BlobConfig{
			Bucket:   os.Getenv("BLOB_BUCKET"),
			Region:   envStr("BLOB_REGION", "us-east-1"),
			Endpoint: os.Getenv("BLOB_ENDPOINT"),
		},
		GenAI: GenAIConfig{
			BaseURL: os.Getenv("GENAI_BASE_URL"),
			APIKey:  os.Getenv("GENAI_API_KEY"),
			Model:   envStr("GENAI_MODEL", "stage-v2"),
		},
		Payment: PaymentConfig{
			APIKey:        os.Getenv("PAYMENT_API_KEY"),
			WebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("PAYMENT_BASE_URL"),
			SuccessURL:    envStr("CHECKOUT_SUCCESS_URL", "https://app.roomlift.io/credits?status=success"),
			CancelURL:     envStr("CHECKOUT_CANCEL_URL", "https://app.roomlift.io/credits?status=cancelled"),
		},
		Limits: LimitsConfig{
			RequestsPerSecond: envInt("RATE_LIMIT_RPS", 10),
			Burst:             envInt("RATE_LIMIT_BURST", 20),
			AuditSchedule:     envStr("AUDIT_SCHEDULE", "@every 1h"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Auth.ThrottleSecret == "" {
		return fmt.Errorf("THROTTLE_SECRET is required")
	}
	if c.GenAI.BaseURL == "" {
		return fmt.Errorf("GENAI_BASE_URL is required")
	}
	if c.Blob.Bucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
