package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	QBOClientID          string
	QBOClientSecret      string
	QBOAuthURL           string
	QBOTokenURL          string
	QBOAPIBaseURL        string
	QBOScopes            []string
	OAuthRedirectURL     string
	AppBaseURL           string
	IntentTTL            time.Duration
	ProviderTimeout      time.Duration
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	clientID := strings.TrimSpace(os.Getenv("QBO_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("QBO_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("QBO_CLIENT_SECRET is required")
	}
	redirectURL := strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_URL"))
	if redirectURL == "" {
		return Config{}, fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		QBOClientID:          clientID,
		QBOClientSecret:      clientSecret,
		QBOAuthURL:           getEnv("QBO_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2"),
		QBOTokenURL:          getEnv("QBO_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
		QBOAPIBaseURL:        getEnv("QBO_API_BASE_URL", "https://sandbox-quickbooks.api.intuit.com"),
		QBOScopes:            getList("QBO_SCOPES", []string{"com.intuit.quickbooks.accounting"}),
		OAuthRedirectURL:     redirectURL,
		AppBaseURL:           getEnv("APP_BASE_URL", ""),
		IntentTTL:            getDuration("CONNECT_INTENT_TTL", 10*time.Minute),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ServiceName:          getEnv("SERVICE_NAME", "yakdum-insight-flow"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
