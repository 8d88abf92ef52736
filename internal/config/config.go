package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string
	AutoMigrate bool

	// Operating
	OperatingTimezone   string
	MaxAvailabilityDays int

	// Google Calendar
	GoogleCalendarID          string
	GoogleCredentialsFile     string
	GoogleCalendarAccessToken string
	GoogleCalendarEndpoint    string
	CalendarTimeout           time.Duration
	CalendarBreakerFailures   int
	CalendarBreakerCooldown   time.Duration

	// Idempotency
	RedisURL       string
	IdempotencyTTL time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitBooking int

	// Reconcile
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	// Server
	ServerPort string
	LogLevel   string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleCalendarID = os.Getenv("GOOGLE_CALENDAR_ID")
	if cfg.GoogleCalendarID == "" {
		missing = append(missing, "GOOGLE_CALENDAR_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AutoMigrate = getEnvBool("AUTO_MIGRATE", false)
	cfg.OperatingTimezone = getEnvString("OPERATING_TIMEZONE", "America/Chicago")
	cfg.MaxAvailabilityDays = getEnvInt("MAX_AVAILABILITY_DAYS", 62)
	cfg.GoogleCredentialsFile = getEnvString("GOOGLE_CREDENTIALS_FILE", "")
	cfg.GoogleCalendarAccessToken = getEnvString("GOOGLE_CALENDAR_ACCESS_TOKEN", "")
	cfg.GoogleCalendarEndpoint = getEnvString("GOOGLE_CALENDAR_ENDPOINT", "")
	cfg.CalendarTimeout = getEnvDuration("CALENDAR_TIMEOUT", 10*time.Second)
	cfg.CalendarBreakerFailures = getEnvInt("CALENDAR_BREAKER_FAILURES", 5)
	cfg.CalendarBreakerCooldown = getEnvDuration("CALENDAR_BREAKER_COOLDOWN", 30*time.Second)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBooking = getEnvInt("RATE_LIMIT_BOOKING", 10)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", time.Hour)
	cfg.ReconcileGrace = getEnvDuration("RECONCILE_GRACE", 15*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
