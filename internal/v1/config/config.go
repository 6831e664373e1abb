package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port        string
	RedisAddr   string
	DatabaseURL string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisPassword string

	// Auth0
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Game loop
	TickInterval    time.Duration
	MaxRoomsPerTick int

	// Session
	ReconnectionGracePeriod time.Duration

	// Economy
	InitialCoins              int64
	IdempotencyKeyRetention   time.Duration
	AdminSeedEmail            string
	AdminSeedPassword         string
	AdminSeedInitialCoins     int64

	// Per-user hub rate limit (registry minute bucket)
	RateLimitPermitLimit   int
	RateLimitWindowMinutes int

	// Edge rate limits (ulule/limiter formatted rates)
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitWsIP        string
	RateLimitWsUser      string

	// Database pool
	DBMaxPoolSize            int
	DBMinPoolSize            int
	DBConnectionIdleLifetime time.Duration
	DBCommandTimeout         time.Duration

	// Security
	MinimumAPIKeyLength int

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
	} else if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required: DATABASE_URL (postgres DSN)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	} else if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		errs = append(errs, "DATABASE_URL must be a postgres:// DSN")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Auth
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Game loop
	tickMs := getEnvInt("GAME_LOOP_TICK_INTERVAL_MS", 5000, &errs)
	cfg.TickInterval = time.Duration(tickMs) * time.Millisecond
	cfg.MaxRoomsPerTick = getEnvInt("GAME_LOOP_MAX_ROOMS_PER_TICK", 50, &errs)

	// Session
	graceSec := getEnvInt("SESSION_RECONNECTION_GRACE_PERIOD_SECONDS", 15, &errs)
	cfg.ReconnectionGracePeriod = time.Duration(graceSec) * time.Second

	// Economy
	cfg.InitialCoins = int64(getEnvInt("ECONOMY_INITIAL_COINS", 100, &errs))
	retentionDays := getEnvInt("ECONOMY_IDEMPOTENCY_KEY_RETENTION_DAYS", 30, &errs)
	cfg.IdempotencyKeyRetention = time.Duration(retentionDays) * 24 * time.Hour
	cfg.AdminSeedEmail = os.Getenv("ADMIN_SEED_EMAIL")
	cfg.AdminSeedPassword = os.Getenv("ADMIN_SEED_PASSWORD")
	cfg.AdminSeedInitialCoins = int64(getEnvInt("ADMIN_SEED_INITIAL_COINS", 1000, &errs))

	// Hub rate limit
	cfg.RateLimitPermitLimit = getEnvInt("RATE_LIMIT_PERMIT_LIMIT", 100, &errs)
	cfg.RateLimitWindowMinutes = getEnvInt("RATE_LIMIT_WINDOW_MINUTES", 1, &errs)

	// Edge rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// Database pool
	cfg.DBMaxPoolSize = getEnvInt("DATABASE_MAX_POOL_SIZE", 20, &errs)
	cfg.DBMinPoolSize = getEnvInt("DATABASE_MIN_POOL_SIZE", 2, &errs)
	idleSec := getEnvInt("DATABASE_CONNECTION_IDLE_LIFETIME_SECONDS", 300, &errs)
	cfg.DBConnectionIdleLifetime = time.Duration(idleSec) * time.Second
	cmdSec := getEnvInt("DATABASE_COMMAND_TIMEOUT_SECONDS", 30, &errs)
	cfg.DBCommandTimeout = time.Duration(cmdSec) * time.Second

	// Security
	cfg.MinimumAPIKeyLength = getEnvInt("SECURITY_MINIMUM_API_KEY_LENGTH", 32, &errs)

	// Tracing
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPEndpoint = getEnvOrDefault("OTLP_ENDPOINT", "localhost:4317")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"database_url", redactDSN(cfg.DatabaseURL),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"tick_interval", cfg.TickInterval,
		"max_rooms_per_tick", cfg.MaxRoomsPerTick,
		"reconnection_grace_period", cfg.ReconnectionGracePeriod,
		"initial_coins", cfg.InitialCoins,
		"rate_limit_permit_limit", cfg.RateLimitPermitLimit,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, collecting an error on bad input.
func getEnvInt(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// redactDSN hides credentials embedded in a connection string.
func redactDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at > 0 && scheme > 0 && at > scheme {
		return dsn[:scheme+3] + "***" + dsn[at:]
	}
	return dsn
}
