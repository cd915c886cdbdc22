package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

const (
	defaultServerAddress    = ":8080"
	defaultDatabaseDSN      = ""
	defaultRedisAddress     = ""
	defaultLogLevel         = "debug"
	defaultSecretsFile      = ""
	defaultCallTimeout      = 15 * time.Second
	defaultPollInterval     = 3 * time.Second
	defaultPollAttempts     = 10
	defaultResumeInterval   = 30 * time.Second
	defaultWebhookRateRPS   = 20
	defaultWebhookRateBurst = 40
	defaultWebhookQueueSize = 1024
)

type Config struct {
	ServerAddr       string        `env:"RUN_ADDRESS"`
	DatabaseDSN      string        `env:"DATABASE_URI"`
	RedisAddr        string        `env:"REDIS_ADDRESS"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB"`
	LogLevel         string        `env:"LOG_LEVEL"`
	SecretsFile      string        `env:"SECRETS_FILE"`
	AuthTokenKey     string        `env:"AUTH_TOKEN_KEY"`
	CallTimeout      time.Duration `env:"PROVIDER_CALL_TIMEOUT"`
	PollInterval     time.Duration `env:"ALLOCATION_POLL_INTERVAL"`
	PollAttempts     int           `env:"ALLOCATION_POLL_ATTEMPTS"`
	ResumeInterval   time.Duration `env:"RESUME_INTERVAL"`
	WebhookRateRPS   float64       `env:"WEBHOOK_RATE_RPS"`
	WebhookRateBurst int           `env:"WEBHOOK_RATE_BURST"`
	WebhookQueueSize int           `env:"WEBHOOK_QUEUE_SIZE"`
}

var (
	once      sync.Once
	singleton *Config
	parseErr  error
)

// New returns new Config. It parses command line and environment variables only once.
func New() (*Config, error) {
	once.Do(func() {
		singleton, parseErr = parse(flag.CommandLine, os.Args[1:])
	})

	return singleton, parseErr
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Config{}

	// initialize flags
	fs.StringVar(&cfg.ServerAddr, "a", defaultServerAddress, "esimhub server address")
	fs.StringVar(&cfg.DatabaseDSN, "d", defaultDatabaseDSN, "database DSN, empty keeps state in memory")
	fs.StringVar(&cfg.RedisAddr, "r", defaultRedisAddress, "redis address for notifications")
	fs.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	fs.StringVar(&cfg.SecretsFile, "s", defaultSecretsFile, "provider secrets file")
	fs.StringVar(&cfg.AuthTokenKey, "k", "", "hex encoded admin token key")
	fs.DurationVar(&cfg.CallTimeout, "provider-timeout", defaultCallTimeout, "timeout of a single provider call")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "allocation poll interval")
	fs.IntVar(&cfg.PollAttempts, "poll-attempts", defaultPollAttempts, "allocation polls per provider")
	fs.DurationVar(&cfg.ResumeInterval, "resume-interval", defaultResumeInterval, "stranded order check interval")
	fs.Float64Var(&cfg.WebhookRateRPS, "webhook-rps", defaultWebhookRateRPS, "webhook requests per second per ip")
	fs.IntVar(&cfg.WebhookRateBurst, "webhook-burst", defaultWebhookRateBurst, "webhook burst per ip")
	fs.IntVar(&cfg.WebhookQueueSize, "webhook-queue", defaultWebhookQueueSize, "webhook queue size")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// if environment variable is set, then using it
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would make the service misbehave
func (c *Config) Validate() error {
	var errs []error
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("provider call timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("allocation poll interval must be positive"))
	}
	if c.PollAttempts < 1 {
		errs = append(errs, errors.New("allocation poll attempts must be at least 1"))
	}
	if c.WebhookRateRPS <= 0 || c.WebhookRateBurst < 1 {
		errs = append(errs, errors.New("webhook rate must be positive"))
	}
	if c.WebhookQueueSize < 1 {
		errs = append(errs, errors.New("webhook queue size must be at least 1"))
	}
	if c.AuthTokenKey != "" {
		if _, err := c.TokenKey(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TokenKey decodes the admin token key
func (c *Config) TokenKey() ([]byte, error) {
	key, err := hex.DecodeString(c.AuthTokenKey)
	if err != nil {
		return nil, fmt.Errorf("auth token key: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("auth token key must be at least 16 bytes")
	}
	return key, nil
}
