// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Harvest
	HarvestTimeout             time.Duration
	HarvestMaxSize             int64
	HarvestMaxConcurrent       int
	HarvestPollInterval        time.Duration
	HarvestMaxAttempts         int
	HarvestMetadataConcurrency int

	// Monitoring
	MonitoringInterval      time.Duration
	MonitoringTTL           time.Duration
	MonitoringMaxChecks     int
	MonitoringCheckInterval time.Duration

	// Proxy
	ProxyTimeout time.Duration
	ProxyMaxSize int64

	// Rate Limit（req/min）
	RateLimitGeneral      int
	RateLimitRegistration int
	RateLimitLogin        int

	// Retention
	LogRetentionDays int
	JobRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Bootstrap superuser（createsuperuserコマンド用）
	AdminUsername string
	AdminPassword string
	AdminEmail    string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.HarvestTimeout = getEnvDuration("HARVEST_TIMEOUT", 30*time.Second)
	cfg.HarvestMaxSize = getEnvInt64("HARVEST_MAX_SIZE", 20971520)
	cfg.HarvestMaxConcurrent = getEnvInt("HARVEST_MAX_CONCURRENT", 4)
	cfg.HarvestPollInterval = getEnvDuration("HARVEST_POLL_INTERVAL", 15*time.Second)
	cfg.HarvestMaxAttempts = getEnvInt("HARVEST_MAX_ATTEMPTS", 5)
	cfg.HarvestMetadataConcurrency = getEnvInt("HARVEST_METADATA_CONCURRENCY", 4)
	cfg.MonitoringInterval = getEnvDuration("MONITORING_INTERVAL", 5*time.Minute)
	cfg.MonitoringTTL = getEnvDuration("MONITORING_TTL", time.Hour)
	cfg.MonitoringMaxChecks = getEnvInt("MONITORING_MAX_CHECKS", 50)
	cfg.MonitoringCheckInterval = getEnvDuration("MONITORING_CHECK_INTERVAL", time.Second)
	cfg.ProxyTimeout = getEnvDuration("PROXY_TIMEOUT", 60*time.Second)
	cfg.ProxyMaxSize = getEnvInt64("PROXY_MAX_SIZE", 104857600)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRegistration = getEnvInt("RATE_LIMIT_REGISTRATION", 10)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 14)
	cfg.JobRetentionDays = getEnvInt("JOB_RETENTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AdminUsername = getEnvString("ADMIN_USERNAME", "")
	cfg.AdminPassword = getEnvString("ADMIN_PASSWORD", "")
	cfg.AdminEmail = getEnvString("ADMIN_EMAIL", "")

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
