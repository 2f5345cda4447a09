package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application, loaded once at
// startup and passed by value into every component constructor.
type Config struct {
	// Core
	Environment string
	LogLevel    string
	APIPort     int

	// Database
	DatabaseURL string

	// Redis (token cache backing store)
	RedisURL string

	// MQTT ingress/egress
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTQoS         byte
	PublisherUser   string
	PublisherPass   string
	PublisherPrefix string

	// CoAP ingress
	CoAPBindAddress string

	// Token cache
	TokenCacheTTLSeconds      int
	TokenCacheSweepIntervalMs int

	// Schedule auto-sync
	AutoSyncIntervalMs int

	// Backpressure controller
	BackpressureWarningDepth  int
	BackpressureCriticalDepth int
	BackpressureCooldownMs    int

	// Rule engine
	EngineWorkerCount       int
	EngineEventDeadlineMs   int
	DataCollectionTimeoutMs int
	RuleChainTimeoutMs      int

	// Notification fan-out
	NotificationBufferSize    int
	NotificationFlushInterval int

	// Metrics
	MetricsMaxSeriesPerMetric int
}

// Load reads configuration from environment variables and an optional
// config file, applying defaults for everything the reference
// implementation needs to run standalone.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("REDIS_URL", "redis://localhost:6379")

	v.SetDefault("MQTT_BROKER_URL", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "aemos-core")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("PUBLISHER_USER", "publisher")
	v.SetDefault("PUBLISHER_PASS", "publisher-secret")
	v.SetDefault("PUBLISHER_CLIENT_PREFIX", "aemos-publisher-")

	v.SetDefault("COAP_BIND_ADDRESS", ":5683")

	v.SetDefault("TOKEN_CACHE_TTL_SECONDS", 3600)
	v.SetDefault("TOKEN_CACHE_SWEEP_INTERVAL_MS", 600000)

	v.SetDefault("AUTO_SYNC_INTERVAL_MS", 120000)

	v.SetDefault("BACKPRESSURE_WARNING_DEPTH", 1000)
	v.SetDefault("BACKPRESSURE_CRITICAL_DEPTH", 5000)
	v.SetDefault("BACKPRESSURE_COOLDOWN_MS", 30000)

	v.SetDefault("ENGINE_WORKER_COUNT", 8)
	v.SetDefault("ENGINE_EVENT_DEADLINE_MS", 5000)
	v.SetDefault("DATA_COLLECTION_TIMEOUT_MS", 2000)
	v.SetDefault("RULE_CHAIN_TIMEOUT_MS", 3000)

	v.SetDefault("NOTIFICATION_BUFFER_SIZE", 100)
	v.SetDefault("NOTIFICATION_FLUSH_INTERVAL_MS", 100)

	v.SetDefault("METRICS_MAX_SERIES_PER_METRIC", 200)

	cfg := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		APIPort:     v.GetInt("API_PORT"),

		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		MQTTBrokerURL:   v.GetString("MQTT_BROKER_URL"),
		MQTTClientID:    v.GetString("MQTT_CLIENT_ID"),
		MQTTUsername:    v.GetString("MQTT_USERNAME"),
		MQTTPassword:    v.GetString("MQTT_PASSWORD"),
		MQTTQoS:         byte(v.GetInt("MQTT_QOS")),
		PublisherUser:   v.GetString("PUBLISHER_USER"),
		PublisherPass:   v.GetString("PUBLISHER_PASS"),
		PublisherPrefix: v.GetString("PUBLISHER_CLIENT_PREFIX"),

		CoAPBindAddress: v.GetString("COAP_BIND_ADDRESS"),

		TokenCacheTTLSeconds:      v.GetInt("TOKEN_CACHE_TTL_SECONDS"),
		TokenCacheSweepIntervalMs: v.GetInt("TOKEN_CACHE_SWEEP_INTERVAL_MS"),

		AutoSyncIntervalMs: v.GetInt("AUTO_SYNC_INTERVAL_MS"),

		BackpressureWarningDepth:  v.GetInt("BACKPRESSURE_WARNING_DEPTH"),
		BackpressureCriticalDepth: v.GetInt("BACKPRESSURE_CRITICAL_DEPTH"),
		BackpressureCooldownMs:    v.GetInt("BACKPRESSURE_COOLDOWN_MS"),

		EngineWorkerCount:       v.GetInt("ENGINE_WORKER_COUNT"),
		EngineEventDeadlineMs:   v.GetInt("ENGINE_EVENT_DEADLINE_MS"),
		DataCollectionTimeoutMs: v.GetInt("DATA_COLLECTION_TIMEOUT_MS"),
		RuleChainTimeoutMs:      v.GetInt("RULE_CHAIN_TIMEOUT_MS"),

		NotificationBufferSize:    v.GetInt("NOTIFICATION_BUFFER_SIZE"),
		NotificationFlushInterval: v.GetInt("NOTIFICATION_FLUSH_INTERVAL_MS"),

		MetricsMaxSeriesPerMetric: v.GetInt("METRICS_MAX_SERIES_PER_METRIC"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AutoSyncIntervalMs < 60000 {
		cfg.AutoSyncIntervalMs = 60000
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode. Only in
// development does the message router accept unauthenticated publishes.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
