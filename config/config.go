package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at startup and shared read-only by every component.
type Config struct {
	AppEnv   string
	HTTPAddr string

	ConversionEnabled bool

	AWSRegion      string
	AWSAccessKey   string
	AWSSecretKey   string
	S3Bucket       string
	S3Endpoint     string
	S3UsePathStyle bool

	LambdaFunction string
	LambdaEndpoint string
	CallbackURL    string

	MediaConvertEndpoint string
	MediaConvertRoleARN  string
	MediaConvertQueueARN string
	ThumbnailOffset      int

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PollInterval   time.Duration
	ReconcileBatch int
	PendingBatch   int
	BatchPause     time.Duration
	PendingGrace   time.Duration
	HTTPTimeout    time.Duration
	MaxAttempts    int

	// ProcessingTimeout is how long a synchronous conversion may sit in
	// processing before it is counted as a failed attempt.
	ProcessingTimeout time.Duration

	Presets PresetSet
}

func Load() (*Config, error) {
	// Missing env files are fine; real deployments inject the environment.
	_ = godotenv.Load(".env", ".env.local")

	presets := DefaultPresets()
	if path := getEnv("CONVERSION_PRESETS_FILE", ""); path != "" {
		loaded, err := LoadPresets(path)
		if err != nil {
			return nil, err
		}
		presets = loaded
	}

	region := getEnvWithFallback("AWS_REGION", "AWS_DEFAULT_REGION", "us-east-1")

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "production"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		ConversionEnabled: getEnvBool("CONVERSION_ENABLED", true),

		AWSRegion:      region,
		AWSAccessKey:   getEnvWithFallback("AWS_ACCESS_KEY_ID", "S3_KEY", ""),
		AWSSecretKey:   getEnvWithFallback("AWS_SECRET_ACCESS_KEY", "S3_SECRET", ""),
		S3Bucket:       getEnv("AWS_BUCKET", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),

		LambdaFunction: getEnv("LAMBDA_FUNCTION_NAME", "media-converter"),
		LambdaEndpoint: getEnv("LAMBDA_ENDPOINT", fmt.Sprintf("https://lambda.%s.amazonaws.com", region)),
		CallbackURL:    getEnv("CONVERSION_CALLBACK_URL", ""),

		MediaConvertEndpoint: strings.TrimRight(getEnv("MEDIACONVERT_ENDPOINT", ""), "/"),
		MediaConvertRoleARN:  getEnv("MEDIACONVERT_ROLE_ARN", ""),
		MediaConvertQueueARN: getEnv("MEDIACONVERT_QUEUE_ARN", ""),
		ThumbnailOffset:      getEnvInt("VIDEO_THUMBNAIL_OFFSET", 2),

		DatabaseDriver: getEnv("DB_DRIVER", "postgres"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   getEnv("REDIS_PREFIX", ""),

		PollInterval:   getEnvDuration("CONVERSION_POLL_INTERVAL", time.Minute),
		ReconcileBatch: getEnvInt("CONVERSION_RECONCILE_BATCH", 10),
		PendingBatch:   getEnvInt("CONVERSION_PENDING_BATCH", 5),
		BatchPause:     getEnvDuration("CONVERSION_BATCH_PAUSE", 2*time.Second),
		PendingGrace:   getEnvDuration("CONVERSION_PENDING_GRACE", time.Minute),
		HTTPTimeout:    getEnvDuration("CONVERSION_HTTP_TIMEOUT", 30*time.Second),
		MaxAttempts:    getEnvInt("CONVERSION_MAX_ATTEMPTS", 3),

		ProcessingTimeout: getEnvDuration("CONVERSION_PROCESSING_TIMEOUT", 5*time.Minute),

		Presets: presets,
	}
	cfg.DatabaseURL = databaseURL(cfg.DatabaseDriver)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver)
	}
	if c.ReconcileBatch <= 0 || c.PendingBatch <= 0 {
		return fmt.Errorf("batch sizes must be positive (reconcile=%d, pending=%d)", c.ReconcileBatch, c.PendingBatch)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("CONVERSION_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("CONVERSION_POLL_INTERVAL must be positive")
	}
	if c.ProcessingTimeout <= c.HTTPTimeout {
		return fmt.Errorf("CONVERSION_PROCESSING_TIMEOUT (%s) must exceed CONVERSION_HTTP_TIMEOUT (%s)", c.ProcessingTimeout, c.HTTPTimeout)
	}
	return nil
}

// HasCredentials reports whether a signing key pair is configured.
func (c *Config) HasCredentials() bool {
	return c.AWSAccessKey != "" && c.AWSSecretKey != ""
}

func databaseURL(driver string) string {
	if url := getEnv("DATABASE_URL", ""); url != "" {
		return url
	}
	if driver == "sqlite3" {
		return "file:conversions.db?_foreign_keys=on&_busy_timeout=5000"
	}

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "mediaconverter")
	dbUser := getEnv("DB_USERNAME", "mediaconverter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq keyword DSNs avoid URI escaping of special characters in passwords.
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s", dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dsn += fmt.Sprintf(" password=%s", dbPassword)
	}
	if v := getEnv("DB_SSLROOTCERT", ""); v != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", v)
	}
	return dsn
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
