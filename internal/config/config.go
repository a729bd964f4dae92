package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	MQTTClientID  string
	LogLevel      string
	TopicPrefix   string
	JWTSecret     string
	Regenerate    bool

	AggregateLag   time.Duration
	SweepEvery     string
	PresenceEvery  string
	RelayExpiry    string
	StaleAfter     time.Duration
	SigningTimeout time.Duration

	Postgres DBConfig
	Redis    RedisConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("FLEETSTATE_PORT", "8096"),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:  getEnv("FLEETSTATE_MQTT_CLIENT_ID", "fleetstate"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		TopicPrefix:   getEnv("FLEETSTATE_TOPIC_PREFIX", "fleet/"),
		JWTSecret:     os.Getenv("JWT_ACCESS_SECRET"),
		Regenerate:    parseBool(getEnv("FLEETSTATE_REGENERATE", "false")),

		AggregateLag:   parseDuration(getEnv("FLEETSTATE_AGGREGATE_LAG", "65m"), 65*time.Minute),
		SweepEvery:     getEnv("FLEETSTATE_SWEEP_CRON", "0 */5 * * * *"),
		PresenceEvery:  getEnv("FLEETSTATE_PRESENCE_CRON", "30 */5 * * * *"),
		RelayExpiry:    getEnv("FLEETSTATE_RELAY_EXPIRY_CRON", "0 15 3 * * *"),
		StaleAfter:     parseDuration(getEnv("FLEETSTATE_STALE_AFTER", "5m"), 5*time.Minute),
		SigningTimeout: parseDuration(getEnv("FLEETSTATE_SIGNING_TIMEOUT", "20s"), 20*time.Second),

		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "redis:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt(getEnv("REDIS_DB", "0"), 0),
		},
	}

	slog.Info("fleetstate config loaded",
		"port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "topic_prefix", cfg.TopicPrefix,
		"regenerate", cfg.Regenerate)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func parseDuration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
