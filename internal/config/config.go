package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	HTTP     HTTPConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Auth     AuthConfig
	Log      LogConfig
	// ScratchDir is where per-request image and template artifacts are written.
	ScratchDir string
}

type HTTPConfig struct {
	Addr            string
	MaxRequestBytes int64
	ShutdownTimeout time.Duration
}

// GRPCConfig configures the optional gRPC health endpoint. An empty Addr disables it.
type GRPCConfig struct {
	Addr string
}

type DatabaseConfig struct {
	Driver       string // postgres or sqlite
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig configures the template cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr        string
	TemplateTTL time.Duration
}

type EngineConfig struct {
	Interpreter string
	Script      string
	Timeout     time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
	TokenTTL    time.Duration
}

type LogConfig struct {
	Level string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			MaxRequestBytes: int64(envInt("MAX_REQUEST_BYTES", 10<<20, &errs)),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		},
		GRPC: GRPCConfig{
			Addr: os.Getenv("GRPC_ADDR"),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DATABASE_DRIVER", DriverPostgres),
			DSN:          getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=biometric_db port=5432 sslmode=disable"),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 10, &errs),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 5, &errs),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDR"),
			TemplateTTL: envDuration("TEMPLATE_CACHE_TTL", 10*time.Minute, &errs),
		},
		Engine: EngineConfig{
			Interpreter: getEnv("ENGINE_INTERPRETER", "python3"),
			Script:      getEnv("ENGINE_SCRIPT", filepath.Join("python_scripts", "core", "biometric_processor.py")),
			Timeout:     envDuration("ENGINE_TIMEOUT", 60*time.Second, &errs),
		},
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
			TokenTTL:    envDuration("JWT_TTL", time.Hour, &errs),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		ScratchDir: getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "biometric-artifacts")),
	}

	switch cfg.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER: unsupported driver %q", cfg.Database.Driver))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envInt parses a positive integer, recording an error for malformed values.
func envInt(key string, fallback int, errs *[]error) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: expected a positive integer, got %q", key, s))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: expected a positive duration, got %q", key, s))
		return fallback
	}
	return d
}
