// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN for the durable slot store; empty selects the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the address of the short-lived key-material tier (e.g. localhost:6379); empty selects the in-memory store.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional password for the Redis tier.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// KeyMaterialTTL bounds how long derived key seeds live in the ephemeral tier (e.g. "12h").
	KeyMaterialTTL string `mapstructure:"KEY_MATERIAL_TTL"`

	// FingerprintBinding enables binding stored credentials and sessions to a device fingerprint.
	FingerprintBinding bool `mapstructure:"FINGERPRINT_BINDING"`
	// TrustDevMode skips fingerprint validation entirely. Never enable in production
	// (Load fails when APP_ENV=production and this is true).
	TrustDevMode bool `mapstructure:"TRUST_DEV_MODE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// MaxTokenAge bounds the age of a persisted refresh envelope (e.g. "24h").
	MaxTokenAge string `mapstructure:"MAX_TOKEN_AGE"`
	// MaxInactivity is the session inactivity limit before forced re-authentication (e.g. "30m").
	MaxInactivity string `mapstructure:"MAX_INACTIVITY"`
	// ValidateInterval is the period of the background session validator (e.g. "5m").
	ValidateInterval string `mapstructure:"VALIDATE_INTERVAL"`
	// OracleTimeout bounds a single Device Trust Oracle call (e.g. "3s").
	OracleTimeout string `mapstructure:"ORACLE_TIMEOUT"`
	// MaxActiveSessions is the concurrent-session cap per user (oldest evicted beyond it).
	MaxActiveSessions int `mapstructure:"MAX_ACTIVE_SESSIONS"`
	// DriftTolerance is the fingerprint similarity (0..1) below which partial drift
	// escalates risk. Exact mismatch always forces re-authentication regardless.
	DriftTolerance float64 `mapstructure:"DRIFT_TOLERANCE"`
	// EventLogCapacity bounds the security event ring; oldest entries are dropped first.
	EventLogCapacity int `mapstructure:"EVENT_LOG_CAPACITY"`

	// Telemetry (optional). When Kafka brokers are set, security events are also produced to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the Kafka topic for security events (default trustvault-events).
	KafkaTopic string `mapstructure:"SECURITY_KAFKA_TOPIC"`
	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs; empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("KEY_MATERIAL_TTL", "12h")
	v.SetDefault("FINGERPRINT_BINDING", true)
	v.SetDefault("TRUST_DEV_MODE", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("MAX_TOKEN_AGE", "24h")
	v.SetDefault("MAX_INACTIVITY", "30m")
	v.SetDefault("VALIDATE_INTERVAL", "5m")
	v.SetDefault("ORACLE_TIMEOUT", "3s")
	v.SetDefault("MAX_ACTIVE_SESSIONS", 3)
	v.SetDefault("DRIFT_TOLERANCE", 0.8)
	v.SetDefault("EVENT_LOG_CAPACITY", 1000)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_KAFKA_TOPIC", "trustvault-events")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "trustvault-event-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.TrustDevMode && cfg.Env == "production" {
		return nil, errors.New("config: TRUST_DEV_MODE must not be true when APP_ENV=production")
	}
	if cfg.DriftTolerance < 0 || cfg.DriftTolerance > 1 {
		return nil, errors.New("config: DRIFT_TOLERANCE must be between 0 and 1")
	}
	if cfg.MaxActiveSessions < 1 {
		return nil, errors.New("config: MAX_ACTIVE_SESSIONS must be at least 1")
	}
	if cfg.EventLogCapacity < 1 {
		return nil, errors.New("config: EVENT_LOG_CAPACITY must be at least 1")
	}

	return &cfg, nil
}

// MaxTokenAgeDuration parses MaxTokenAge as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) MaxTokenAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.MaxTokenAge)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// MaxInactivityDuration parses MaxInactivity as a time.Duration. Returns 30m if unset or invalid.
func (c *Config) MaxInactivityDuration() time.Duration {
	d, err := time.ParseDuration(c.MaxInactivity)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// ValidateIntervalDuration parses ValidateInterval as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) ValidateIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.ValidateInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// OracleTimeoutDuration parses OracleTimeout as a time.Duration. Returns 3s if unset or invalid.
func (c *Config) OracleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.OracleTimeout)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

// KeyMaterialTTLDuration parses KeyMaterialTTL as a time.Duration. Returns 12h if unset or invalid.
func (c *Config) KeyMaterialTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.KeyMaterialTTL)
	if err != nil || d <= 0 {
		return 12 * time.Hour
	}
	return d
}

// KafkaBrokersList splits KafkaBrokers on commas, trimming whitespace. Returns nil when unset.
func (c *Config) KafkaBrokersList() []string {
	raw := strings.TrimSpace(c.KafkaBrokers)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
