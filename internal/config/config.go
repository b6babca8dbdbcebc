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
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Issuer is the public base URL stamped into tokens.
	Issuer string
	// TokenAudience is the audience claim resource services check.
	TokenAudience string

	// ClientCatalogPath points at the JSON file the client registry is built
	// from at startup.
	ClientCatalogPath string
	// DevClientID names the single public client allowed the localhost
	// redirect relaxation outside production.
	DevClientID string
	// PasswordGrantClients is the explicit allow-list of first-party clients
	// permitted to use the password grant. Empty by default.
	PasswordGrantClients []string

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	AuthCodeTTL       time.Duration
	LoginSessionTTL   time.Duration
	RefreshTokenBytes int
	LockoutThreshold  int

	// StoreTimeout bounds issuer-to-store calls so they degrade instead of
	// hanging.
	StoreTimeout time.Duration

	AdminEmail    string
	AdminPassword string

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Production reports whether the service runs with production hardening.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		ServiceName:          getEnv("SERVICE_NAME", "lumacart-identity"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		Issuer:               getEnv("ISSUER_URL", "http://localhost:8080"),
		TokenAudience:        getEnv("TOKEN_AUDIENCE", "lumacart-api"),
		ClientCatalogPath:    getEnv("CLIENT_CATALOG", "clients.json"),
		DevClientID:          os.Getenv("DEV_CLIENT_ID"),
		PasswordGrantClients: getList("PASSWORD_GRANT_CLIENTS", nil),
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:          getDuration("AUTH_CODE_TTL", 2*time.Minute),
		LoginSessionTTL:      getDuration("LOGIN_SESSION_TTL", 10*time.Minute),
		RefreshTokenBytes:    getInt("REFRESH_TOKEN_BYTES", 32),
		LockoutThreshold:     getInt("LOCKOUT_THRESHOLD", 5),
		StoreTimeout:         getDuration("STORE_TIMEOUT", 5*time.Second),
		AdminEmail:           strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:        strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return Config{}, fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required")
	}

	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}
	// authorization codes stay within the 60-300s band
	if cfg.AuthCodeTTL < time.Minute {
		cfg.AuthCodeTTL = time.Minute
	}
	if cfg.AuthCodeTTL > 5*time.Minute {
		cfg.AuthCodeTTL = 5 * time.Minute
	}
	if cfg.Production() && cfg.DevClientID != "" {
		return Config{}, fmt.Errorf("DEV_CLIENT_ID must not be set in production")
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
