// Package config loads the server's configuration from environment
// variables. Every timing of the matching engine is tunable here, since
// deployments run the same code with grace periods from seconds to a day.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/pairchat/internal/engine"
)

// Config aggregates the whole server's configuration.
type Config struct {
	Server   ServerConfig
	Engine   engine.Config
	Redis    RedisConfig
	NATS     NATSConfig
	Database DatabaseConfig
}

// ServerConfig describes the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string // "*" allows any origin
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// RedisConfig enables rate limiting and address bans when Addr is set.
type RedisConfig struct {
	Addr string
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// NATSConfig enables lifecycle event publishing when URL is set.
type NATSConfig struct {
	URL string
}

// Enabled reports whether NATS is configured.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

// DatabaseConfig enables report persistence when URL is set.
type DatabaseConfig struct {
	URL string
}

// Enabled reports whether Postgres is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	eng, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Engine:   eng,
		Redis:    RedisConfig{Addr: getEnvOrDefault("REDIS_ADDR", "")},
		NATS:     NATSConfig{URL: getEnvOrDefault("NATS_URL", "")},
		Database: DatabaseConfig{URL: getEnvOrDefault("DATABASE_URL", "")},
	}, nil
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := parseAddr(getEnvOrDefault("PORT", "8080"))
	if err != nil {
		return ServerConfig{}, err
	}

	workers, err := parseIntEnv("WORKER_POOL_SIZE", 256)
	if err != nil {
		return ServerConfig{}, err
	}
	maxConns, err := parseIntEnv("MAX_CONNECTIONS", 100000)
	if err != nil {
		return ServerConfig{}, err
	}
	readTimeout, err := parseDurationEnv("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	writeTimeout, err := parseDurationEnv("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: parseList(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
		WorkerPoolSize: workers,
		MaxConnections: maxConns,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
	}, nil
}

func loadEngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	fields := []struct {
		key string
		dst *time.Duration
	}{
		{"PHASE1_DELAY", &cfg.Phase1Delay},
		{"PHASE2_DELAY", &cfg.Phase2Delay},
		{"GRACE_PERIOD", &cfg.GracePeriod},
		{"IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"BLOCK_DURATION", &cfg.BlockDuration},
	}
	for _, f := range fields {
		d, err := parseDurationEnv(f.key, *f.dst)
		if err != nil {
			return engine.Config{}, err
		}
		*f.dst = d
	}
	if cfg.SweepInterval <= 0 {
		return engine.Config{}, fmt.Errorf("invalid SWEEP_INTERVAL value %s: must be positive", cfg.SweepInterval)
	}
	if cfg.IdleTimeout <= 0 {
		return engine.Config{}, fmt.Errorf("invalid IDLE_TIMEOUT value %s: must be positive", cfg.IdleTimeout)
	}
	return cfg, nil
}

// parseAddr accepts "8080", ":8080" or "127.0.0.1:8080".
func parseAddr(port string) (string, error) {
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value %q: %w", port, err)
	}
	return ":" + port, nil
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 1 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

// maxDurationSeconds is the largest bare integer a time.Duration can hold.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// parseDurationEnv reads a Go duration. A bare integer means seconds.
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		if secs > maxDurationSeconds {
			return 0, fmt.Errorf("invalid %s value %q: must be at most %d seconds", key, raw, maxDurationSeconds)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}
