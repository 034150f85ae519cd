package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Session SessionConfig `yaml:"session"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	WSReadLimit       int64         `yaml:"ws_read_limit"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout     time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval    time.Duration `yaml:"ws_ping_interval"`
	WSHubPingInterval time.Duration `yaml:"ws_hub_ping_interval"`

	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	MaxRoomIDLength int     `yaml:"max_room_id_length"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	// MaxActiveSlots bounds how many peers may be active in a room at once;
	// further joiners wait in a FIFO queue.
	MaxActiveSlots int `yaml:"max_active_slots"`

	// TTL is the expiry horizon shared by a room's record, active set and queue.
	TTL time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              getEnv("BROKER_HOST", "0.0.0.0"),
			Port:              getEnvInt("BROKER_PORT", 8080),
			ReadTimeout:       time.Duration(getEnvInt("BROKER_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:      time.Duration(getEnvInt("BROKER_WRITE_TIMEOUT", 30)) * time.Second,
			ShutdownTimeout:   time.Duration(getEnvInt("BROKER_SHUTDOWN_TIMEOUT", 10)) * time.Second,
			WSReadLimit:       int64(getEnvInt("BROKER_WS_READ_LIMIT", 65536)),
			WSWriteTimeout:    time.Duration(getEnvInt("BROKER_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:     time.Duration(getEnvInt("BROKER_WS_PONG_TIMEOUT", 60)) * time.Second,
			WSPingInterval:    time.Duration(getEnvInt("BROKER_WS_PING_INTERVAL", 54)) * time.Second,
			WSHubPingInterval: time.Duration(getEnvInt("BROKER_WS_HUB_PING_INTERVAL", 30)) * time.Second,
			RateLimitPerSec:   float64(getEnvInt("BROKER_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:    getEnvInt("BROKER_RATE_LIMIT_BURST", 40),
			MaxRoomIDLength:   getEnvInt("BROKER_MAX_ROOM_ID_LENGTH", 128),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			MaxActiveSlots: getEnvInt("BROKER_MAX_ACTIVE_SLOTS", 20),
			TTL:            time.Duration(getEnvInt("BROKER_SESSION_TTL_SEC", 86400)) * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
