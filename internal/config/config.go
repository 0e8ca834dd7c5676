package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Search API
	APIClientID     string
	APIClientSecret string
	APIBaseURL      string
	APITokenURL     string
	LocationAPIURL  string
	SearchResource  string
	DefaultDistance int

	// Outbound HTTP
	HTTPTimeout        time.Duration
	OutboundSafeClient bool

	// Suggestion
	SuggestRatePerSec float64
	SuggestBurst      int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIClientID = os.Getenv("API_CLIENT_ID")
	if cfg.APIClientID == "" {
		missing = append(missing, "API_CLIENT_ID")
	}

	cfg.APIClientSecret = os.Getenv("API_CLIENT_SECRET")
	if cfg.APIClientSecret == "" {
		missing = append(missing, "API_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", "https://api.petfinder.com/v2"), "/")
	cfg.APITokenURL = getEnvString("API_TOKEN_URL", cfg.APIBaseURL+"/oauth2/token")
	cfg.LocationAPIURL = getEnvString("LOCATION_API_URL", cfg.APIBaseURL+"/locations")
	cfg.SearchResource = getEnvString("SEARCH_RESOURCE", "animals")
	cfg.DefaultDistance = getEnvInt("DEFAULT_DISTANCE", 100)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.OutboundSafeClient = getEnvBool("OUTBOUND_SAFE_CLIENT", true)
	cfg.SuggestRatePerSec = getEnvFloat("SUGGEST_RATE_PER_SEC", 5)
	cfg.SuggestBurst = getEnvInt("SUGGEST_BURST", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
