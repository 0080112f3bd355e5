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
	Port string

	// State backend: "memory" or "redis"
	StateBackend  string
	RedisAddr     string
	RedisPassword string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Auth
	JWTSecret      string
	SkipAuth       bool
	AllowedOrigins string

	// Feature switches
	EnableDirectMessages     bool
	EnableRoomsManagement    bool
	EnableUserlistUpdates    bool
	EnableAccessListsUpdates bool
	UseRawErrorObjects       bool

	// Engine limits and timeouts
	HistoryMaxMessages    int
	HistoryMaxGetMessages int
	CloseTimeout          time.Duration
	BusAckTimeout         time.Duration
	LockTTL               time.Duration

	// Rate limits (ulule formatted notation)
	RateLimitWsIP string
	RateLimitHTTP string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// STATE_BACKEND selects the shared-state implementation
	cfg.StateBackend = getEnvOrDefault("STATE_BACKEND", "memory")
	switch cfg.StateBackend {
	case "memory":
	case "redis":
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	default:
		errors = append(errors, fmt.Sprintf("STATE_BACKEND must be 'memory' or 'redis' (got '%s')", cfg.StateBackend))
	}

	// Auth: JWT_SECRET is required unless SKIP_AUTH=true
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if !cfg.SkipAuth {
		if cfg.JWTSecret == "" {
			errors = append(errors, "JWT_SECRET is required unless SKIP_AUTH=true")
		} else if len(cfg.JWTSecret) < 32 {
			errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
	}
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Feature switches, all enabled by default except raw error objects
	cfg.EnableDirectMessages = getEnvOrDefault("ENABLE_DIRECT_MESSAGES", "true") == "true"
	cfg.EnableRoomsManagement = getEnvOrDefault("ENABLE_ROOMS_MANAGEMENT", "true") == "true"
	cfg.EnableUserlistUpdates = getEnvOrDefault("ENABLE_USERLIST_UPDATES", "true") == "true"
	cfg.EnableAccessListsUpdates = getEnvOrDefault("ENABLE_ACCESS_LISTS_UPDATES", "true") == "true"
	cfg.UseRawErrorObjects = os.Getenv("USE_RAW_ERROR_OBJECTS") == "true"

	// Engine limits
	cfg.HistoryMaxMessages = intEnv(&errors, "HISTORY_MAX_MESSAGES", 10000)
	cfg.HistoryMaxGetMessages = intEnv(&errors, "HISTORY_MAX_GET_MESSAGES", 100)
	cfg.CloseTimeout = time.Duration(intEnv(&errors, "CLOSE_TIMEOUT_MS", 5000)) * time.Millisecond
	cfg.BusAckTimeout = time.Duration(intEnv(&errors, "BUS_ACK_TIMEOUT_MS", 2000)) * time.Millisecond
	cfg.LockTTL = time.Duration(intEnv(&errors, "LOCK_TTL_MS", 10000)) * time.Millisecond

	// Rate limits (M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitHTTP = getEnvOrDefault("RATE_LIMIT_HTTP", "1000-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
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

	if parts[0] == "" {
		return false
	}

	return true
}

// intEnv parses a positive integer environment variable with a default.
func intEnv(errors *[]string, key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return n
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"state_backend", cfg.StateBackend,
		"redis_addr", cfg.RedisAddr,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"skip_auth", cfg.SkipAuth,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"history_max_messages", cfg.HistoryMaxMessages,
		"history_max_get_messages", cfg.HistoryMaxGetMessages,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
