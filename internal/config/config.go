package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	RequestTimeout time.Duration

	GenAPIBaseURL   string
	GenAPIKey       string
	GenAPIKeyBackup string

	PaymentShopID        string
	PaymentSecretKey     string
	PaymentWebhookSecret string
	PaymentReturnURL     string
	PaymentCurrency      string

	AllowedOrigins []string
	AdminSecret    string

	WelcomeBonusTokens int
	BalanceCacheTTL    time.Duration
	BalanceCacheSize   int
	RateLimitPerMinute int

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		RequestTimeout:       time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		GenAPIBaseURL:        strings.TrimRight(getEnv("GEN_API_BASE_URL", "https://api.gen-api.example"), "/"),
		GenAPIKeyBackup:      os.Getenv("GEN_API_KEY_BACKUP"),
		PaymentReturnURL:     getEnv("PAYMENT_RETURN_URL", ""),
		PaymentCurrency:      getEnv("PAYMENT_CURRENCY", "RUB"),
		AllowedOrigins:       splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		WelcomeBonusTokens:   getInt("WELCOME_BONUS_TOKENS", 20),
		BalanceCacheTTL:      time.Second * time.Duration(getInt("BALANCE_CACHE_TTL_SECONDS", 10)),
		BalanceCacheSize:     getInt("BALANCE_CACHE_SIZE", 10000),
		RateLimitPerMinute:   getInt("RATE_LIMIT_PER_MINUTE", 20),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             os.Getenv("S3_REGION"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:      os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:       getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:             getEnv("S3_PREFIX", "results"),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.GenAPIKey = os.Getenv("GEN_API_KEY")
	cfg.PaymentShopID = os.Getenv("PAYMENT_SHOP_ID")
	cfg.PaymentSecretKey = os.Getenv("PAYMENT_SECRET_KEY")
	cfg.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.GenAPIKey == "" {
		missing = append(missing, "GEN_API_KEY")
	}
	if cfg.PaymentShopID == "" {
		missing = append(missing, "PAYMENT_SHOP_ID")
	}
	if cfg.PaymentSecretKey == "" {
		missing = append(missing, "PAYMENT_SECRET_KEY")
	}
	if cfg.PaymentWebhookSecret == "" {
		missing = append(missing, "PAYMENT_WEBHOOK_SECRET")
	}
	if cfg.AdminSecret == "" {
		missing = append(missing, "ADMIN_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// S3Enabled reports whether the optional result-image storage is configured.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
