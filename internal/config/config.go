package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Email providers
const (
	ProviderLog      = "log"
	ProviderSES      = "ses"
	ProviderPostmark = "postmark"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Storage
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int32

	// Redis config, optional. Empty host disables the idempotency cache and
	// the sweeper lock.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config, optional. A queue URL switches dispatch from the in-process
	// pool to SQS.
	SQSRegion   string
	SQSQueueURL string

	// AWS Services
	AWSRegion     string
	AuditTopicARN string

	// Email delivery
	EmailProvider        string
	FromEmail            string
	PostmarkServerToken  string
	PostmarkAccountToken string
	PostmarkTag          string
	SendTimeout          time.Duration

	// Circuit breaker around the email provider
	CircuitMaxFailures     int
	CircuitRecoveryTimeout time.Duration

	// Delivery engine
	DefaultClientID   int
	MaxRetries        int
	NotificationTTL   time.Duration
	DispatchWorkers   int
	DispatchQueueSize int
	SweepInterval     time.Duration
	SweepBatchSize    int
	OrphanGrace       time.Duration
	AuditBufferSize   int

	// Maintenance cron specs
	DailyResetSpec  string
	HealthCheckSpec string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: StoreMemory,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		RedisPort: 6379,

		AWSRegion: "us-east-1",

		EmailProvider: ProviderLog,
		FromEmail:     "noreply@courier.local",
		PostmarkTag:   "notification",
		SendTimeout:   30 * time.Second,

		CircuitMaxFailures:     5,
		CircuitRecoveryTimeout: 30 * time.Second,

		DefaultClientID:   1,
		MaxRetries:        5,
		NotificationTTL:   24 * time.Hour,
		DispatchWorkers:   4,
		DispatchQueueSize: 1000,
		SweepInterval:     30 * time.Second,
		SweepBatchSize:    100,
		OrphanGrace:       2 * time.Minute,
		AuditBufferSize:   1000,

		DailyResetSpec:  "0 0 * * *",
		HealthCheckSpec: "@every 1m",
	}

	strVar("LOG_LEVEL", &cfg.LogLevel)
	strVar("ENV", &cfg.Env)
	strVar("STORE_DRIVER", &cfg.StoreDriver)

	strVar("DB_HOST", &cfg.DBHost)
	strVar("DB_USER", &cfg.DBUser)
	strVar("DB_PASSWORD", &cfg.DBPassword)
	strVar("DB_NAME", &cfg.DBName)
	strVar("DB_SSLMODE", &cfg.DBSSLMode)

	strVar("REDIS_HOST", &cfg.RedisHost)
	strVar("REDIS_PASSWORD", &cfg.RedisPassword)

	strVar("AWS_REGION", &cfg.AWSRegion)
	strVar("AUDIT_TOPIC_ARN", &cfg.AuditTopicARN)
	strVar("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	cfg.SQSRegion = cfg.AWSRegion
	strVar("SQS_REGION", &cfg.SQSRegion)

	strVar("EMAIL_PROVIDER", &cfg.EmailProvider)
	strVar("FROM_EMAIL", &cfg.FromEmail)
	strVar("POSTMARK_SERVER_TOKEN", &cfg.PostmarkServerToken)
	strVar("POSTMARK_ACCOUNT_TOKEN", &cfg.PostmarkAccountToken)
	strVar("POSTMARK_TAG", &cfg.PostmarkTag)

	strVar("DAILY_RESET_SPEC", &cfg.DailyResetSpec)
	strVar("HEALTH_CHECK_SPEC", &cfg.HealthCheckSpec)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"CIRCUIT_MAX_FAILURES", &cfg.CircuitMaxFailures},
		{"DEFAULT_CLIENT_ID", &cfg.DefaultClientID},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"DISPATCH_WORKERS", &cfg.DispatchWorkers},
		{"DISPATCH_QUEUE_SIZE", &cfg.DispatchQueueSize},
		{"SWEEP_BATCH_SIZE", &cfg.SweepBatchSize},
		{"AUDIT_BUFFER_SIZE", &cfg.AuditBufferSize},
	}
	for _, v := range ints {
		if err := intVar(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("DB_MAX_CONNS"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = int32(n)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SEND_TIMEOUT", &cfg.SendTimeout},
		{"CIRCUIT_RECOVERY_TIMEOUT", &cfg.CircuitRecoveryTimeout},
		{"NOTIFICATION_TTL", &cfg.NotificationTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"ORPHAN_GRACE", &cfg.OrphanGrace},
	}
	for _, v := range durations {
		if err := durationVar(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// SQSEnabled reports whether dispatch goes through SQS.
func (c *Config) SQSEnabled() bool {
	return c.SQSQueueURL != ""
}

func (c *Config) validate() error {
	c.StoreDriver = strings.ToLower(c.StoreDriver)
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want %s or %s", c.StoreDriver, StoreMemory, StorePostgres)
	}

	c.EmailProvider = strings.ToLower(c.EmailProvider)
	switch c.EmailProvider {
	case ProviderLog, ProviderSES:
	case ProviderPostmark:
		if c.PostmarkServerToken == "" {
			return fmt.Errorf("POSTMARK_SERVER_TOKEN is required when EMAIL_PROVIDER=%s", ProviderPostmark)
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q", c.EmailProvider)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES: must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: must be positive")
	}
	return nil
}

func strVar(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// durationVar accepts Go durations ("30s") or a bare number of seconds.
func durationVar(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
