package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"housepoints/internal/models"
)

// Config holds all configuration for the bot.
type Config struct {
	DiscordToken   string `validate:"required"`
	DatabaseDSN    string `validate:"required"`
	AlertChannelID string
	MetricsAddr    string

	// HouseRoles maps a house to the Discord role granted on join.
	HouseRoles map[models.House]string

	GracePeriod       time.Duration `validate:"gt=0"`
	ReconcileInterval time.Duration `validate:"gt=0"`
	StepTimeout       time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables. A .env file is
// optional; missing required values are fatal to the caller.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:      os.Getenv("DISCORD_TOKEN"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		AlertChannelID:    os.Getenv("ALERT_CHANNEL_ID"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		HouseRoles:        make(map[models.House]string),
		GracePeriod:       getDuration("GRACE_PERIOD", 5*time.Minute),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
		StepTimeout:       getDuration("SHUTDOWN_STEP_TIMEOUT", 5*time.Second),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	for _, h := range models.Houses {
		key := "HOUSE_ROLE_" + strings.ToUpper(string(h))
		if id := os.Getenv(key); id != "" {
			cfg.HouseRoles[h] = id
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
