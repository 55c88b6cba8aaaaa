// Package config содержит логику чтения конфигурации ядра баланса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisURL    string `env:"REDIS_URL"`
	BotToken    string `env:"BOT_TOKEN"`

	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`

	PremiumStandardPrice int64 `env:"PREMIUM_STANDARD_PRICE" envDefault:"20000"`
	PremiumProPrice      int64 `env:"PREMIUM_PRO_PRICE" envDefault:"40000"`
	PremiumVIPPrice      int64 `env:"PREMIUM_VIP_PRICE" envDefault:"100000"`
	PremiumDurationDays  int   `env:"PREMIUM_DURATION_DAYS" envDefault:"30"`

	SubmitLimit  int           `env:"SUBMIT_LIMIT" envDefault:"5"`
	SubmitWindow time.Duration `env:"SUBMIT_WINDOW" envDefault:"1h"`

	ExpirySchedule    string `env:"EXPIRY_SCHEDULE" envDefault:"@every 10m"`
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"0 3 * * *"`

	AuthMaxAge time.Duration `env:"AUTH_MAX_AGE" envDefault:"24h"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisURL := cfg.RedisURL
	envBotToken := cfg.BotToken

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for submission rate limiting")
	flag.StringVar(&cfg.BotToken, "t", "", "telegram bot token")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envBotToken != "" {
		cfg.BotToken = envBotToken
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
