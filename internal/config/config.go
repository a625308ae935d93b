package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	LogLevel      string
	Postgres      DBConfig
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BufferBackend string // redis|memory
	BufferTTLMin  int
	SweepEveryMin int
	S3            S3Config
	DefaultWake   string
	FallbackHours int
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("GATEWAY_PORT", "8085"),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:  getEnv("GATEWAY_MQTT_CLIENT_ID", "canopy-gateway"),
		MQTTUsername:  strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(getEnv("REDIS_DB", "0"), 0),
		BufferBackend: getEnv("BUFFER_BACKEND", "redis"),
		BufferTTLMin:  parseInt(getEnv("BUFFER_TTL_MINUTES", "30"), 30),
		SweepEveryMin: parseInt(getEnv("SWEEP_INTERVAL_MINUTES", "30"), 30),
		S3: S3Config{
			Endpoint:  strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
			AccessKey: strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    getEnv("S3_BUCKET", "captures"),
			UseSSL:    parseBool(getEnv("S3_USE_SSL", "false")),
		},
		DefaultWake:   getEnv("DEFAULT_WAKE_SCHEDULE", "0 8 * * *"),
		FallbackHours: parseInt(getEnv("FALLBACK_WAKE_HOURS", "4"), 4),
	}

	slog.Info("gateway config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "buffer", cfg.BufferBackend, "bucket", cfg.S3.Bucket)
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
