package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile        string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	AuthSecret    string
	TokenExpiry   time.Duration
	SingleSession bool
	RedisURL      string
	LogLevel      string
	LogFormat     string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	singleSession, err := strconv.ParseBool(getEnv("SINGLE_SESSION", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid SINGLE_SESSION: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("ZVONOK_DB", "zvonok.db"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		TokenExpiry:   tokenExpiry,
		SingleSession: singleSession,
		RedisURL:      os.Getenv("REDIS_URL"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
