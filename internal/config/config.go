// Package config содержит логику чтения конфигурации движка расчёта заказов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultKafkaTopic     = "checkout-settlement"
	defaultReserveTimeout = 10 * time.Second
	defaultPaymentTimeout = 15 * time.Second
	defaultCommitRetries  = 3
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	PaymentGatewayAddress string        `env:"PAYMENT_GATEWAY_ADDRESS"`
	RedisAddress          string        `env:"REDIS_ADDRESS"`
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic            string        `env:"KAFKA_TOPIC"`
	AuthSecret            string        `env:"AUTH_SECRET"`
	SeedFile              string        `env:"SEED_FILE"`
	ReserveTimeout        time.Duration `env:"RESERVE_TIMEOUT"`
	PaymentTimeout        time.Duration `env:"PAYMENT_TIMEOUT"`
	CommitRetries         uint64        `env:"COMMIT_RETRIES"`
	IdempotencyTTL        time.Duration `env:"IDEMPOTENCY_TTL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var kafkaBrokers string

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; in-memory ledger when empty")
	flag.StringVar(&cfg.PaymentGatewayAddress, "p", "", "payment gateway address; offline authorizer when empty")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for idempotency keys")
	flag.StringVar(&kafkaBrokers, "k", "", "comma-separated kafka brokers for settlement events")
	flag.StringVar(&cfg.KafkaTopic, "t", defaultKafkaTopic, "kafka topic for settlement events")
	flag.StringVar(&cfg.SeedFile, "seed", "", "JSON seed file for the in-memory ledger")
	flag.DurationVar(&cfg.ReserveTimeout, "reserve-timeout", defaultReserveTimeout, "time allowed to reach payment authorization")
	flag.DurationVar(&cfg.PaymentTimeout, "payment-timeout", defaultPaymentTimeout, "payment authorization timeout")
	flag.Uint64Var(&cfg.CommitRetries, "commit-retries", defaultCommitRetries, "retries for transient commit failures")
	flag.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", defaultIdempotencyTTL, "lifetime of idempotency keys")

	flag.Parse()

	cfg.KafkaBrokers = splitList(kafkaBrokers)
	cfg.override(fromEnv)
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) override(e Config) {
	if e.RunAddress != "" {
		c.RunAddress = e.RunAddress
	}
	if e.DatabaseURI != "" {
		c.DatabaseURI = e.DatabaseURI
	}
	if e.PaymentGatewayAddress != "" {
		c.PaymentGatewayAddress = e.PaymentGatewayAddress
	}
	if e.RedisAddress != "" {
		c.RedisAddress = e.RedisAddress
	}
	if brokers := splitList(strings.Join(e.KafkaBrokers, ",")); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}
	if e.KafkaTopic != "" {
		c.KafkaTopic = e.KafkaTopic
	}
	if e.AuthSecret != "" {
		c.AuthSecret = e.AuthSecret
	}
	if e.SeedFile != "" {
		c.SeedFile = e.SeedFile
	}
	if e.ReserveTimeout > 0 {
		c.ReserveTimeout = e.ReserveTimeout
	}
	if e.PaymentTimeout > 0 {
		c.PaymentTimeout = e.PaymentTimeout
	}
	if e.CommitRetries > 0 {
		c.CommitRetries = e.CommitRetries
	}
	if e.IdempotencyTTL > 0 {
		c.IdempotencyTTL = e.IdempotencyTTL
	}
}

func (c *Config) applyDefaults() {
	if c.RunAddress == "" {
		c.RunAddress = defaultRunAddress
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = defaultKafkaTopic
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = defaultReserveTimeout
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = defaultPaymentTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = defaultIdempotencyTTL
	}
	if c.CommitRetries == 0 {
		c.CommitRetries = defaultCommitRetries
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
