package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Redis     RedisConfig     `yaml:"redis"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Email     EmailConfig     `yaml:"email"`
	Queue     QueueConfig     `yaml:"queue"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	MockMode  bool            `yaml:"mock_mode"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
}

type DatabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type AuthConfig struct {
	AdminAPIKey string `yaml:"admin_api_key"`
	// KeyEncryptionSecret is the HKDF input for the AES key that
	// encrypts integration keys at rest.
	KeyEncryptionSecret string `yaml:"key_encryption_secret"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type EmailConfig struct {
	APIKey string `yaml:"api_key"`
}

type QueueConfig struct {
	Workers        int `yaml:"workers"`
	MaxAttempts    int `yaml:"max_attempts"`
	BaseBackoffSec int `yaml:"base_backoff_sec"`
}

type SweeperConfig struct {
	HourUTC   int `yaml:"hour_utc"`
	GraceDays int `yaml:"grace_days"`
}

type ReconcileConfig struct {
	HourUTC int `yaml:"hour_utc"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load builds the effective config: defaults, then the optional YAML file
// (TRACKTAGS_CONFIG or ./config.yaml), then environment overrides.
// Fails fast when a required value is still missing.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("TRACKTAGS_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		merge(cfg, fileCfg)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: "0.0.0.0",
			Port:     "8080",
			Env:      "development",
		},
		Queue: QueueConfig{
			Workers:        4,
			MaxAttempts:    5,
			BaseBackoffSec: 1,
		},
		Sweeper: SweeperConfig{
			HourUTC:   3,
			GraceDays: 30,
		},
		Reconcile: ReconcileConfig{
			HourUTC: 2,
		},
	}
}

// merge copies non-zero fields of src on top of dst.
func merge(dst, src *Config) {
	if src.Server.BindAddr != "" {
		dst.Server.BindAddr = src.Server.BindAddr
	}
	if src.Server.Port != "" {
		dst.Server.Port = src.Server.Port
	}
	if src.Server.Env != "" {
		dst.Server.Env = src.Server.Env
	}
	if src.Database.URL != "" {
		dst.Database = src.Database
	}
	if src.Auth.AdminAPIKey != "" {
		dst.Auth.AdminAPIKey = src.Auth.AdminAPIKey
	}
	if src.Auth.KeyEncryptionSecret != "" {
		dst.Auth.KeyEncryptionSecret = src.Auth.KeyEncryptionSecret
	}
	if src.Stripe.SecretKey != "" {
		dst.Stripe.SecretKey = src.Stripe.SecretKey
	}
	if src.Stripe.WebhookSecret != "" {
		dst.Stripe.WebhookSecret = src.Stripe.WebhookSecret
	}
	if src.Redis.Addr != "" {
		dst.Redis = src.Redis
	}
	if src.PubSub.ProjectID != "" {
		dst.PubSub = src.PubSub
	}
	if src.Email.APIKey != "" {
		dst.Email = src.Email
	}
	if src.Queue.Workers != 0 {
		dst.Queue.Workers = src.Queue.Workers
	}
	if src.Queue.MaxAttempts != 0 {
		dst.Queue.MaxAttempts = src.Queue.MaxAttempts
	}
	if src.Queue.BaseBackoffSec != 0 {
		dst.Queue.BaseBackoffSec = src.Queue.BaseBackoffSec
	}
	if src.Sweeper.HourUTC != 0 {
		dst.Sweeper.HourUTC = src.Sweeper.HourUTC
	}
	if src.Sweeper.GraceDays != 0 {
		dst.Sweeper.GraceDays = src.Sweeper.GraceDays
	}
	if src.Reconcile.HourUTC != 0 {
		dst.Reconcile.HourUTC = src.Reconcile.HourUTC
	}
	if src.MockMode {
		dst.MockMode = true
	}
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Server.BindAddr, "BIND_ADDR")
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "APP_ENV")
	setStr(&cfg.Database.URL, "SUPABASE_URL")
	setStr(&cfg.Database.ServiceKey, "SUPABASE_SERVICE_KEY")
	setStr(&cfg.Auth.AdminAPIKey, "ADMIN_API_KEY")
	setStr(&cfg.Auth.KeyEncryptionSecret, "KEY_ENCRYPTION_SECRET")
	setStr(&cfg.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setStr(&cfg.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setStr(&cfg.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setStr(&cfg.PubSub.Topic, "PUBSUB_TOPIC")
	setStr(&cfg.Email.APIKey, "EMAIL_API_KEY")

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("MOCK_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MockMode = b
		}
	}
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.Database.ServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
	}
	if c.Auth.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required")
	}
	if c.Auth.KeyEncryptionSecret == "" {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET is required")
	}
	if c.Email.APIKey == "" && !c.MockMode {
		return fmt.Errorf("EMAIL_API_KEY is required outside mock mode")
	}
	return nil
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return c.Server.BindAddr + ":" + c.Server.Port
}

// StripeEnabled reports whether outbound Stripe calls are configured.
func (c *Config) StripeEnabled() bool {
	return c.Stripe.SecretKey != "" && !c.MockMode
}
