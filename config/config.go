package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxHistoryCap bounds CHAT_HISTORY_CAP.
const MaxHistoryCap = 100

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Relay     RelayConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/aura_live?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the external auth service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// RelayConfig tunes the chat relay and presence tracker.
type RelayConfig struct {
	// StoreTimeout bounds every Redis/Postgres call made on behalf of a join, leave or message.
	StoreTimeout        time.Duration
	PresenceIdleTimeout time.Duration
	PresenceQueueSize   int
	HistoryCap          int
	BackfillLimit       int
	MaxMessageLen       int
	AllowGuests         bool
	GeoHeader           string // e.g. CF-IPCountry
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
}

// RecordingConfig points at the ingest server's recording output.
type RecordingConfig struct {
	Dir             string // where the ingest server writes {stream_key}.flv
	InProcessWorker bool   // run the upload worker inside cmd/server
}

// LogConfig controls zap output.
type LogConfig struct {
	Level      string
	File       string // optional rotating file, in addition to stdout
	MaxSizeMB  int
	MaxBackups int
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string // empty disables tracing
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "3000"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CLIENT_URL", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "aura_live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Relay: RelayConfig{
			StoreTimeout:        getEnvDuration("STORE_TIMEOUT", 3*time.Second),
			PresenceIdleTimeout: getEnvDuration("PRESENCE_IDLE_TIMEOUT", 2*time.Minute),
			PresenceQueueSize:   getEnvInt("PRESENCE_QUEUE_SIZE", 64),
			HistoryCap:          getEnvInt("CHAT_HISTORY_CAP", 100),
			BackfillLimit:       getEnvInt("CHAT_BACKFILL_LIMIT", 50),
			MaxMessageLen:       getEnvInt("RELAY_MAX_MESSAGE_LEN", 500),
			AllowGuests:         getEnvBool("RELAY_ALLOW_GUESTS", true),
			GeoHeader:           getEnv("GEO_HEADER", "CF-IPCountry"),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", ""),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket: getEnv("AWS_S3_RECORDINGS_BUCKET", "aura-live-recordings"),
		},
		Recording: RecordingConfig{
			Dir:             getEnv("RECORDING_DIR", "/recordings"),
			InProcessWorker: getEnvBool("RECORDING_IN_PROCESS_WORKER", false),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "aura-live"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	r := c.Relay
	if r.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if r.HistoryCap <= 0 || r.HistoryCap > MaxHistoryCap {
		return fmt.Errorf("CHAT_HISTORY_CAP must be in 1..%d", MaxHistoryCap)
	}
	if r.BackfillLimit <= 0 || r.BackfillLimit > r.HistoryCap {
		return fmt.Errorf("CHAT_BACKFILL_LIMIT must be in 1..%d", r.HistoryCap)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("750ms", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
