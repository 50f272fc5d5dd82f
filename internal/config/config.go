// Package config reads orchestrator configuration from the environment,
// following the getEnv/getEnvInt/getEnvDuration pattern used by every
// service in the retrieval pack's config packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	// JWT signing secret for agent tokens.
	AgentTokenSecret string
	// Duration before agent tokens expire.
	AgentTokenExpiry time.Duration

	// Reaper sweep schedule (6-field cron, seconds first) and the
	// staleness timeout it applies to CLAIMED/RUNNING stages.
	ReaperEnabled  bool
	ReaperSchedule string
	ReaperTimeout  time.Duration

	// S3-compatible object storage for artifact resolution. Endpoint
	// empty means AWS S3 itself; set for MinIO-style self-hosting.
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3PathStyle bool

	// Page size read from DEFAULT_LIST_LIMIT. Nothing in this module
	// reads it: GET /pipelines without a limit returns every match.
	DefaultListLimit int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      getEnv("DATABASE_URL", buildDatabaseURL()),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AgentTokenSecret: requireEnv("AGENT_TOKEN_SECRET"),
		AgentTokenExpiry: getEnvDuration("AGENT_TOKEN_EXPIRY", 12*time.Hour),
		ReaperEnabled:    getEnvBool("REAPER_ENABLED", true),
		ReaperSchedule:   getEnv("REAPER_SCHEDULE", "0 * * * * *"),
		ReaperTimeout:    getEnvDuration("REAPER_TIMEOUT", 15*time.Minute),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3PathStyle:      getEnvBool("S3_PATH_STYLE", false),
		DefaultListLimit: getEnvInt("DEFAULT_LIST_LIMIT", 50),
	}
}

// buildDatabaseURL constructs a PostgreSQL connection string from individual env vars.
func buildDatabaseURL() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "postgres")
	password := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "cutroom")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbName, sslMode)
}

// requireEnv reads a required environment variable or panics with a clear message.
func requireEnv(key string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	panic(fmt.Sprintf("required environment variable %s is not set", key))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
