package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

//Config holds every setting the service reads from its environment
type Config struct {
	ServicePort string
	LogLevel    string

	MQTT     MQTTConfig
	Database DatabaseConfig
	SMTP     SMTPConfig

	EmailTimeout     time.Duration
	AlertDedupWindow time.Duration

	IngestWorkers    int
	IngestQueueDepth int

	DailySchedule        string
	DeviceHealthSchedule string

	MessagingEnabled bool
}

//MQTTConfig describes how to reach the broker and which topic prefix the devices publish under
type MQTTConfig struct {
	BrokerURL string
	Prefix    string
	ClientID  string
	Username  string
	Password  string
}

//DatabaseConfig selects and configures the backing gorm driver
type DatabaseConfig struct {
	Driver   string
	Host     string
	User     string
	Name     string
	Password string
	SSLMode  string
	DSN      string
}

//SMTPConfig configures outbound email. An empty Host disables delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type lookupFunc func(key string) (string, bool)

//Load reads an optional .env file and then builds a Config from the environment
func Load() (*Config, error) {
	// a missing .env is fine, the environment may be set by the platform
	_ = godotenv.Load()
	return load(os.LookupEnv)
}

func load(lookup lookupFunc) (*Config, error) {
	env := &reader{lookup: lookup}

	cfg := &Config{
		ServicePort: env.str("SERVICE_PORT", "8880"),
		LogLevel:    env.str("LOG_LEVEL", "info"),
		MQTT: MQTTConfig{
			BrokerURL: env.str("MQTT_URL", "tcp://localhost:1883"),
			Prefix:    strings.Trim(env.str("MQTT_PREFIX", "smartfarm"), "/"),
			ClientID:  env.str("MQTT_CLIENT_ID", "iot-smartfarm"),
			Username:  env.str("MQTT_USERNAME", ""),
			Password:  env.str("MQTT_PASSWORD", ""),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(env.str("SMARTFARM_DB_DRIVER", "postgres")),
			Host:     env.str("SMARTFARM_DB_HOST", ""),
			User:     env.str("SMARTFARM_DB_USER", ""),
			Name:     env.str("SMARTFARM_DB_NAME", ""),
			Password: env.str("SMARTFARM_DB_PASSWORD", ""),
			SSLMode:  env.str("SMARTFARM_DB_SSLMODE", "require"),
			DSN:      env.str("SMARTFARM_DB_DSN", ""),
		},
		SMTP: SMTPConfig{
			Host:     env.str("SMTP_HOST", ""),
			Port:     env.integer("SMTP_PORT", 587),
			Username: env.str("SMTP_USERNAME", ""),
			Password: env.str("SMTP_PASSWORD", ""),
			From:     env.str("SMTP_FROM", "no-reply@smartfarm.local"),
		},
		EmailTimeout:         env.duration("EMAIL_TIMEOUT", 10*time.Second),
		AlertDedupWindow:     env.duration("ALERT_DEDUP_WINDOW", time.Hour),
		IngestWorkers:        env.integer("INGEST_WORKERS", 4),
		IngestQueueDepth:     env.integer("INGEST_QUEUE_DEPTH", 64),
		DailySchedule:        env.str("SCHEDULE_DAILY", "0 8 * * *"),
		DeviceHealthSchedule: env.str("SCHEDULE_DEVICE_HEALTH", "0 */4 * * *"),
		MessagingEnabled:     env.boolean("ENABLE_MESSAGING", false),
	}

	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Host == "" {
			return errors.New("SMARTFARM_DB_HOST is required when using the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.MQTT.Prefix == "" {
		return errors.New("MQTT_PREFIX may not be empty")
	}

	if cfg.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", cfg.IngestWorkers)
	}

	if cfg.IngestQueueDepth < 0 {
		return fmt.Errorf("INGEST_QUEUE_DEPTH may not be negative, got %d", cfg.IngestQueueDepth)
	}

	if cfg.EmailTimeout <= 0 || cfg.AlertDedupWindow <= 0 {
		return errors.New("EMAIL_TIMEOUT and ALERT_DEDUP_WINDOW must be positive")
	}

	return nil
}

//reader keeps the first parse error so that Load can report it after all keys are read
type reader struct {
	lookup lookupFunc
	err    error
}

func (r *reader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		r.fail(fmt.Errorf("invalid integer in %s: %w", key, err))
		return fallback
	}
	return i
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(fmt.Errorf("invalid duration in %s: %w", key, err))
		return fallback
	}
	return d
}

func (r *reader) boolean(key string, fallback bool) bool {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(fmt.Errorf("invalid boolean in %s: %w", key, err))
		return fallback
	}
	return b
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
