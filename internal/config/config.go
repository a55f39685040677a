// Package config loads and validates the service configuration from a
// YAML file, with environment-independent defaults for local development.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	// SigningSecret is the base64-encoded HMAC secret shared with the
	// identity provider that issues bearer tokens.
	SigningSecret string `yaml:"signing_secret"`
}

type MediaConfig struct {
	URL       string        `yaml:"url"`
	ApiKey    string        `yaml:"api_key"`
	ApiSecret string        `yaml:"api_secret"`
	GrantTTL  time.Duration `yaml:"grant_ttl"`
}

type MollieConfig struct {
	ApiKey      string `yaml:"api_key"`
	RedirectURL string `yaml:"redirect_url"`
	WebhookURL  string `yaml:"webhook_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Media    MediaConfig    `yaml:"media"`
	Mollie   MollieConfig   `yaml:"mollie"`
	Redis    RedisConfig    `yaml:"redis"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}
	if c.Media.GrantTTL <= 0 {
		c.Media.GrantTTL = 12 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth signing secret cannot be empty")
	}
	if _, err := c.SigningKey(); err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	if c.Media.URL == "" {
		return fmt.Errorf("media server URL cannot be empty")
	}
	if c.Media.ApiKey == "" || c.Media.ApiSecret == "" {
		return fmt.Errorf("media server credentials cannot be empty")
	}

	return nil
}

// SigningKey returns the decoded HMAC secret.
func (c *Config) SigningKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Auth.SigningSecret)
}
