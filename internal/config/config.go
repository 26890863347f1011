package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vinmnit159/isms-backend/internal/logging"
)

type Config struct {
	DBDSN         string
	ServerPort    string
	SessionSecret string

	GitHubToken      string
	GitHubAPIURL     string
	GitHubRatePerSec float64

	RunConcurrency int
	ChangeWindow   time.Duration

	Log logging.Options

	AdminUsername string
	AdminPassword string
	SeedDemoUsers bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DBDSN:         getenv("DB_DSN"),
		ServerPort:    getenv("SERVER_PORT"),
		SessionSecret: getenv("SESSION_SECRET"),
		GitHubToken:   getenv("GITHUB_TOKEN"),
		GitHubAPIURL:  getenv("GITHUB_API_URL"),
		Log: logging.Options{
			Level:  getenv("LOG_LEVEL"),
			Format: getenv("LOG_FORMAT"),
			File:   getenv("LOG_FILE"),
		},
		AdminUsername: getenv("ADMIN_USERNAME"),
		AdminPassword: getenv("ADMIN_PASSWORD"),
		SeedDemoUsers: getenv("SEED_DEMO_USERS") == "true",
	}

	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is not set")
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin@isms.local"
	}

	var err error
	if cfg.GitHubRatePerSec, err = floatVar(getenv, "GITHUB_RATE_PER_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.RunConcurrency, err = intVar(getenv, "RUN_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	days, err := intVar(getenv, "CHANGE_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	cfg.ChangeWindow = time.Duration(days) * 24 * time.Hour

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c *Config) ValidateServer() error {
	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET is not set")
	}
	return nil
}

func intVar(getenv func(string) string, key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return v, nil
}

func floatVar(getenv func(string) string, key string, def float64) (float64, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, raw)
	}
	return v, nil
}
