package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	LogURL      string
	MetricsAddr string
	UserID      string
	DisplayName string
}

func Load() (*Config, error) {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg := &Config{
		DBFile:      getEnv("PALAVER_DB", "palaver.db"),
		LogURL:      os.Getenv("PALAVER_LOG_URL"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		UserID:      os.Getenv("PALAVER_USER"),
		DisplayName: getEnv("PALAVER_DISPLAY_NAME", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("PALAVER_USER is required")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.UserID
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
