package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Streaming StreamingConfig
	RateLimit RateLimitConfig
	LLM       LLMConfig
	Waits     WaitsConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// EngineConfig holds execution engine defaults
type EngineConfig struct {
	MaxConcurrentNodes int
	WorkflowTimeout    time.Duration
	RunQueueStream     string
	RunQueueGroup      string
	WorkerCount        int
}

// StreamingConfig holds event streaming settings
type StreamingConfig struct {
	KeepAliveInterval time.Duration
	TerminalFlush     time.Duration
	RelayEnabled      bool
	RelayChannelRoot  string
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled     bool
	GlobalLimit int64
	UserLimit   int64
	WindowSec   int
}

// LLMConfig holds LLM provider settings for the llm node handler
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// WaitsConfig holds human-in-the-loop wait settings
type WaitsConfig struct {
	// WebhookURL, when set, receives a notification whenever a wait opens
	WebhookURL string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("POSTGRES_ENABLED", false),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "weft"),
			User:        getEnv("POSTGRES_USER", "weft"),
			Password:    getEnv("POSTGRES_PASSWORD", "weft"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Engine: EngineConfig{
			MaxConcurrentNodes: getEnvInt("ENGINE_MAX_CONCURRENT_NODES", 10),
			WorkflowTimeout:    getEnvDuration("ENGINE_WORKFLOW_TIMEOUT", 10*time.Minute),
			RunQueueStream:     getEnv("ENGINE_RUN_QUEUE_STREAM", "weft:runs"),
			RunQueueGroup:      getEnv("ENGINE_RUN_QUEUE_GROUP", "weft-workers"),
			WorkerCount:        getEnvInt("ENGINE_WORKER_COUNT", 4),
		},
		Streaming: StreamingConfig{
			KeepAliveInterval: getEnvDuration("STREAM_KEEPALIVE_INTERVAL", 30*time.Second),
			TerminalFlush:     getEnvDuration("STREAM_TERMINAL_FLUSH", 500*time.Millisecond),
			RelayEnabled:      getEnvBool("STREAM_RELAY_ENABLED", false),
			RelayChannelRoot:  getEnv("STREAM_RELAY_CHANNEL_ROOT", "workflow:events"),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalLimit: int64(getEnvInt("RATE_LIMIT_GLOBAL", 1000)),
			UserLimit:   int64(getEnvInt("RATE_LIMIT_USER", 60)),
			WindowSec:   getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),
		},
		LLM: LLMConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			DefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			MaxRetries:   getEnvInt("LLM_MAX_RETRIES", 3),
		},
		Waits: WaitsConfig{
			WebhookURL: getEnv("WAIT_WEBHOOK_URL", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.MaxConcurrentNodes < 1 {
		return fmt.Errorf("max concurrent nodes must be >= 1, got %d", c.Engine.MaxConcurrentNodes)
	}

	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database host is required when postgres is enabled")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Streaming.TerminalFlush < 0 {
		return fmt.Errorf("terminal flush must be >= 0")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
