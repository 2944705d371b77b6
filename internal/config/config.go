package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Readings    ReadingsConfig
	Anomaly     AnomalyConfig
}

// HTTPConfig holds REST API settings
type HTTPConfig struct {
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	AutoMigrate     bool
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// An empty URL disables event publishing and the submit consumer.
type RabbitMQConfig struct {
	URL              string
	EventsExchange   string
	SavedRoutingKey  string
	SubmitExchange   string
	SubmitQueue      string
	SubmitRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether a broker is configured.
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig holds the community cache settings.
// An empty Addr disables caching.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	CommunityTTL time.Duration
}

// Enabled reports whether a redis server is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// AuthConfig holds session settings
type AuthConfig struct {
	RequireSession bool
	CookieName     string
	CookieMaxAge   time.Duration
	CookieSecure   bool
}

// ReadingsConfig holds ingestion settings
type ReadingsConfig struct {
	DefaultInputType string
}

// AnomalyConfig holds the advisory reading check settings
type AnomalyConfig struct {
	SpikeThreshold float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "field-readings"),
		HTTP: HTTPConfig{
			Port:            getEnvAsInt("SERVICE_PORT", 8080),
			RequestTimeout:  getEnvAsDuration("HTTP_REQUEST_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("HTTP_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", false),
			MaxConns:        int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "field-readings.events.exchange"),
			SavedRoutingKey:  getEnv("RABBITMQ_SAVED_ROUTING_KEY", "reading.saved"),
			SubmitExchange:   getEnv("RABBITMQ_SUBMIT_EXCHANGE", "field-readings.submit.exchange"),
			SubmitQueue:      getEnv("RABBITMQ_SUBMIT_QUEUE", "field-readings.submit.queue"),
			SubmitRoutingKey: getEnv("RABBITMQ_SUBMIT_ROUTING_KEY", "reading.batch.submitted"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "field-readings.submit.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", ""),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			CommunityTTL: getEnvAsDuration("COMMUNITY_CACHE_TTL", time.Hour),
		},
		Auth: AuthConfig{
			RequireSession: getEnvAsBool("AUTH_REQUIRE_SESSION", true),
			CookieName:     getEnv("AUTH_COOKIE_NAME", "fieldSessionId"),
			CookieMaxAge:   getEnvAsDuration("AUTH_COOKIE_MAX_AGE", 12*time.Hour),
			CookieSecure:   getEnvAsBool("AUTH_COOKIE_SECURE", false),
		},
		Readings: ReadingsConfig{
			DefaultInputType: getEnv("READINGS_DEFAULT_INPUT_TYPE", "Field"),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold: getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.HTTP.Port <= 0 {
		return nil, fmt.Errorf("invalid SERVICE_PORT: %d", cfg.HTTP.Port)
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
