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

	// Publish
	PublishInterval        time.Duration // スケジューラのティック間隔
	PublishTimeout         time.Duration // プラットフォーム1件あたりの配信タイムアウト
	PublishDispatchTimeout time.Duration // 1投稿の全プラットフォーム配信のタイムアウト
	PublishMaxConcurrent   int           // 1ティックで並列処理する投稿数の上限
	PublishScanLimit       int           // 1ティックで取得する配信対象投稿数の上限

	// Rate Limit
	RateLimitGeneral int // API全般（req/min/user）
	RateLimitPublish int // 手動配信・リトライ（req/min/user）

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
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

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PublishInterval = getEnvDuration("PUBLISH_INTERVAL", time.Minute)
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 15*time.Second)
	cfg.PublishDispatchTimeout = getEnvDuration("PUBLISH_DISPATCH_TIMEOUT", 60*time.Second)
	cfg.PublishMaxConcurrent = getEnvInt("PUBLISH_MAX_CONCURRENT", 10)
	cfg.PublishScanLimit = getEnvInt("PUBLISH_SCAN_LIMIT", 100)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
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
