package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	ListenAddr      string
	LogLevel        string
	MySQLDSN        string
	JWTSecret       string
	AdminUsername   string
	AdminPassword   string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int

	KIEAPIKey     string
	KIEBaseURL    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string
	FalAPIKey     string
	FalBaseURL    string

	StripeSecretKey            string
	StripeWebhookSecret        string
	StripeAPIBaseURL           string
	StripeSubscriptionPriceID  string
	MonthlySubscriptionCredits int
	PaymentCurrency            string
	SubscriptionPriceMinor     int
	CheckoutSuccessURL         string
	CheckoutCancelURL          string

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
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),
		RequestTimeout:  time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		PollInterval:    getDuration("PROVIDER_POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts: getInt("PROVIDER_POLL_ATTEMPTS", 90),

		KIEBaseURL:    normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		OpenAIBaseURL: strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		GeminiBaseURL: strings.TrimRight(getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"), "/"),
		FalBaseURL:    strings.TrimRight(getEnv("FAL_BASE_URL", "https://fal.run"), "/"),

		StripeAPIBaseURL:           strings.TrimRight(getEnv("STRIPE_API_BASE_URL", ""), "/"),
		StripeSubscriptionPriceID:  getEnv("STRIPE_SUBSCRIPTION_PRICE_ID", ""),
		MonthlySubscriptionCredits: getInt("MONTHLY_SUBSCRIPTION_CREDITS", 100),
		PaymentCurrency:            strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		SubscriptionPriceMinor:     getInt("SUBSCRIPTION_PRICE_MINOR_UNITS", 999),
		CheckoutSuccessURL:         getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CheckoutCancelURL:          getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "generations"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.FalAPIKey = os.Getenv("FAL_API_KEY")
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{"MYSQL_DSN", cfg.MySQLDSN},
		{"JWT_SECRET", cfg.JWTSecret},
		{"STRIPE_SECRET_KEY", cfg.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret},
		{"S3_REGION", cfg.S3Region},
		{"S3_ACCESS_KEY", cfg.S3AccessKey},
		{"S3_SECRET_KEY", cfg.S3SecretKey},
		{"S3_BUCKET", cfg.S3Bucket},
		{"S3_PUBLIC_BASE_URL", cfg.S3PublicBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.MonthlySubscriptionCredits <= 0 {
		return Config{}, fmt.Errorf("MONTHLY_SUBSCRIPTION_CREDITS must be positive")
	}

	return cfg, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
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

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile overlays the first .env file found. Absence of any file is not an
// error: container deployments pass everything through the environment.
func loadEnvFile() error {
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
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
