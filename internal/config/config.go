// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisAddr     string
	PostgresDSN   string
	Port          string
	WorkerCount   int
	TaskTimeout   time.Duration
	PollInterval  time.Duration
	RetryBase     time.Duration
	RetryFactor   float64
	RetryCap      time.Duration
	MigrationsDir string
}

// Load reads configuration from the environment, after a best-effort .env
// load. Every value has a default except PostgresDSN, which stays empty when
// unset (history persistence is optional).
func Load() Config {
	_ = godotenv.Load()

	return Config{
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		Port:          envString("PORT", "8080"),
		WorkerCount:   envInt("WORKER_COUNT", 4),
		TaskTimeout:   envDuration("TASK_TIMEOUT", 60*time.Second),
		PollInterval:  envDuration("POLL_INTERVAL", 250*time.Millisecond),
		RetryBase:     envDuration("RETRY_BASE", time.Second),
		RetryFactor:   envFloat("RETRY_FACTOR", 2),
		RetryCap:      envDuration("RETRY_CAP", 10*time.Minute),
		MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}

	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}

	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}

	return d
}
