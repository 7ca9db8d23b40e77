// Package config loads runtime settings from the environment (with a
// best-effort .env file) and the portfolio definitions from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// ErrConfiguration marks a startup-fatal configuration problem.
var ErrConfiguration = errors.New("config: invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string

	Broker          string // "alpaca" or "paper"
	AlpacaKey       string
	AlpacaSecret    string
	AlpacaBaseURL   string
	AlpacaDataURL   string

	LeaderboardURL   string
	LeaderboardToken string
	TopN             int

	WebhookSecret string
	Schedule      bool // run the internal weekly scheduler

	SMTPHost     string // host:port, empty disables mail reports
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
	MailTo       []string

	Portfolios []model.PortfolioConfig
}

// Load reads .env when present, then the environment, then the portfolio
// file, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Broker:           envOr("BROKER", "alpaca"),
		AlpacaKey:        os.Getenv("ALPACA_API_KEY"),
		AlpacaSecret:     os.Getenv("ALPACA_SECRET_KEY"),
		AlpacaBaseURL:    envOr("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaDataURL:    envOr("ALPACA_DATA_URL", "https://data.alpaca.markets"),
		LeaderboardURL:   os.Getenv("LEADERBOARD_API_URL"),
		LeaderboardToken: os.Getenv("LEADERBOARD_API_TOKEN"),
		TopN:             5,
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		Schedule:         os.Getenv("SCHEDULE_ENABLED") == "true",
		SMTPHost:         os.Getenv("SMTP_HOST"),
		SMTPUsername:     os.Getenv("SMTP_USERNAME"),
		SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
		MailFrom:         os.Getenv("MAIL_FROM"),
	}

	if raw := os.Getenv("TOP_N"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: TOP_N must be a positive integer, got %q", ErrConfiguration, raw)
		}
		cfg.TopN = n
	}

	if raw := os.Getenv("MAIL_TO"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.MailTo = append(cfg.MailTo, addr)
			}
		}
	}

	portfolios, err := loadPortfolios()
	if err != nil {
		return nil, err
	}
	cfg.Portfolios = portfolios

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPortfolios reads the YAML file named by PORTFOLIOS_FILE, or falls
// back to a single portfolio described by PORTFOLIO_NAME / INDEX_ID /
// INITIAL_CAPITAL.
func loadPortfolios() ([]model.PortfolioConfig, error) {
	if path := os.Getenv("PORTFOLIOS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read portfolios file: %v", ErrConfiguration, err)
		}
		var file struct {
			Portfolios []model.PortfolioConfig `yaml:"portfolios"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: parse portfolios file: %v", ErrConfiguration, err)
		}
		return file.Portfolios, nil
	}

	name := os.Getenv("PORTFOLIO_NAME")
	indexID := os.Getenv("INDEX_ID")
	if name == "" || indexID == "" {
		return nil, fmt.Errorf("%w: set PORTFOLIOS_FILE, or PORTFOLIO_NAME and INDEX_ID", ErrConfiguration)
	}

	capital := decimal.NewFromInt(10000)
	if raw := os.Getenv("INITIAL_CAPITAL"); raw != "" {
		var err error
		if capital, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("%w: INITIAL_CAPITAL: %v", ErrConfiguration, err)
		}
	}

	return []model.PortfolioConfig{{
		Name:           name,
		IndexID:        indexID,
		InitialCapital: capital,
		Enabled:        true,
	}}, nil
}

func (c *Config) validate() error {
	if c.LeaderboardURL == "" {
		return fmt.Errorf("%w: LEADERBOARD_API_URL is required", ErrConfiguration)
	}
	if c.Broker != "alpaca" && c.Broker != "paper" {
		return fmt.Errorf("%w: BROKER must be alpaca or paper, got %q", ErrConfiguration, c.Broker)
	}
	if c.Broker == "alpaca" && (c.AlpacaKey == "" || c.AlpacaSecret == "") {
		return fmt.Errorf("%w: ALPACA_API_KEY and ALPACA_SECRET_KEY are required for the alpaca broker", ErrConfiguration)
	}
	if c.SMTPHost != "" && (c.MailFrom == "" || len(c.MailTo) == 0) {
		return fmt.Errorf("%w: SMTP_HOST set but MAIL_FROM or MAIL_TO missing", ErrConfiguration)
	}

	enabled := 0
	seen := make(map[string]bool, len(c.Portfolios))
	for _, p := range c.Portfolios {
		if p.Name == "" || p.IndexID == "" {
			return fmt.Errorf("%w: every portfolio needs a name and an index_id", ErrConfiguration)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate portfolio name %q", ErrConfiguration, p.Name)
		}
		seen[p.Name] = true
		if !p.Enabled {
			continue
		}
		enabled++
		if !p.InitialCapital.IsPositive() {
			return fmt.Errorf("%w: portfolio %q needs a positive initial_capital", ErrConfiguration, p.Name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w: no enabled portfolios", ErrConfiguration)
	}

	// Apportioning overlapping symbols across portfolios needs durable
	// ledger state; losing it on restart would corrupt the fractions.
	if enabled > 1 && c.DatabaseURL == "" {
		return fmt.Errorf("%w: running %d portfolios requires DATABASE_URL", ErrConfiguration, enabled)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
