package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName = "retail-ledger"

	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	StorageBackend  string
	MySQLDSN        string
	MySQLMaxConns   int
	RedisAddr       string // empty disables the shared idempotency cache
	KafkaBrokers    []string
	KafkaTopic      string
	ShutdownTimeout time.Duration
	LogLevel        string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:       getEnvOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr:       getEnvOrDefault("GRPC_ADDR", ":50051"),
		StorageBackend: getEnvOrDefault("STORAGE_BACKEND", BackendMySQL),
		MySQLDSN:       getEnvOrDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/retail?parseTime=true"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnvOrDefault("KAFKA_TOPIC", "retail.stock-events"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MySQLMaxConns, err = strconv.Atoi(getEnvOrDefault("MYSQL_MAX_OPEN_CONNS", "50")); err != nil || cfg.MySQLMaxConns <= 0 {
		return nil, fmt.Errorf("MYSQL_MAX_OPEN_CONNS must be a positive integer")
	}
	if cfg.ShutdownTimeout, err = time.ParseDuration(getEnvOrDefault("SHUTDOWN_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}

	switch cfg.StorageBackend {
	case BackendMySQL:
		if cfg.MySQLDSN == "" {
			return nil, fmt.Errorf("MYSQL_DSN cannot be empty")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendMySQL, BackendMemory, cfg.StorageBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("LOG_LEVEL %q is not supported", cfg.LogLevel)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
