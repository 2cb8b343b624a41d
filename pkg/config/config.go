package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Project  string          `mapstructure:"project"`
	Listen   string          `mapstructure:"listen"`
	Currency string          `mapstructure:"currency"`
	Log      LogConfig       `mapstructure:"log"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Pricing  PricingConfig   `mapstructure:"pricing"`
	Mail     MailConfig      `mapstructure:"mail"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig  `mapstructure:"rabbitmq"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"` // empty runs the in-memory store (dev only)
	TablePrefix string `mapstructure:"table_prefix"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables the price cache
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PricingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Window    time.Duration `mapstructure:"window"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

type MailConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	FromName  string `mapstructure:"from_name"`
	FromEmail string `mapstructure:"from_email"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

// WebhookConfig describes one inbound webhook endpoint. Providers
// differ only in secret, header name, and the event variant they
// stream, so endpoints are configuration rather than separate
// handlers.
type WebhookConfig struct {
	Path            string `mapstructure:"path"`
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
	FieldCount      int    `mapstructure:"field_count"` // 3 or 4 non-indexed event fields
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RECEIPTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Pricing.BaseURL == "" {
		cfg.Pricing.BaseURL = "https://api.coingecko.com/api/v3"
	}
	for i := range cfg.Webhooks {
		w := &cfg.Webhooks[i]
		if w.SignatureHeader == "" {
			w.SignatureHeader = "x-signature"
		}
		if w.FieldCount == 0 {
			w.FieldCount = 3
		}
		if w.Path == "" {
			return nil, fmt.Errorf("webhook %d: path is required", i)
		}
	}

	return &cfg, nil
}
