// Package config loads and validates application configuration.
//
// Configuration is read from a YAML file, filled with struct defaults and
// finally overridden by environment variables for secrets (mnemonic, API
// keys, connection URLs) so they never have to live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration shared by the API server
// and the background worker.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database" validate:"required"`
	Redis      RedisConfig            `yaml:"redis"`
	Chains     map[string]ChainConfig `yaml:"chains" validate:"required,dive"`
	Wallet     WalletConfig           `yaml:"wallet"`
	Provider   ProviderConfig         `yaml:"provider"`
	Swap       SwapConfig             `yaml:"swap"`
	Listener   ListenerConfig         `yaml:"listener"`
	Payout     PayoutConfig           `yaml:"payout"`
	Refund     RefundConfig           `yaml:"refund"`
	Webhook    WebhookConfig          `yaml:"webhook"`
	Auth       AuthConfig             `yaml:"auth"`
	Monitoring MonitoringConfig       `yaml:"monitoring"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"30s"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost" validate:"required"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" default:"postgres"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"swap_middleware"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// RedisConfig contains cache connection settings. URL is usually supplied
// through the REDIS_URL environment variable.
type RedisConfig struct {
	URL string `yaml:"url" default:"redis://localhost:6379/0"`
}

// ChainConfig describes one supported blockchain and its RPC endpoint pool.
type ChainConfig struct {
	Protocol            string           `yaml:"protocol" validate:"required,oneof=evm bitcoin solana"`
	ChainID             int64            `yaml:"chain_id"`
	Endpoints           []EndpointConfig `yaml:"endpoints" validate:"required,min=1,dive"`
	Strategy            string           `yaml:"strategy" default:"health_score" validate:"oneof=round_robin weighted least_latency health_score"`
	HealthCheckInterval time.Duration    `yaml:"health_check_interval" default:"30s"`
	RequestTimeout      time.Duration    `yaml:"request_timeout" default:"10s"`
	Breaker             BreakerConfig    `yaml:"circuit_breaker"`
}

// EndpointConfig describes a single RPC endpoint within a chain pool.
type EndpointConfig struct {
	URL      string `yaml:"url" validate:"required,url"`
	Weight   int    `yaml:"weight" default:"1" validate:"min=1"`
	Priority int    `yaml:"priority" default:"1" validate:"min=1"`
}

// BreakerConfig contains per-endpoint circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold" default:"0.5"`
	MinRequests      int           `yaml:"min_requests" default:"10"`
	OpenTimeout      time.Duration `yaml:"open_timeout" default:"30s"`
	HalfOpenMax      int           `yaml:"half_open_max" default:"3"`
	HalfOpenProbes   int           `yaml:"half_open_probes" default:"5"`
}

// WalletConfig contains HD wallet settings. The mnemonic is read from the
// SWAP_WALLET_MNEMONIC environment variable unless set here.
type WalletConfig struct {
	Mnemonic string `yaml:"mnemonic"`
}

// ProviderConfig contains upstream swap aggregator (Trocador) settings.
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url" default:"https://api.trocador.app"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout" default:"15s"`
	MaxRetries   int           `yaml:"max_retries" default:"3"`
	SyncInterval time.Duration `yaml:"sync_interval" default:"5m"`
}

// SwapConfig contains swap lifecycle settings.
type SwapConfig struct {
	DepositExpiry   time.Duration `yaml:"deposit_expiry" default:"30m"`
	ExpiryInterval  time.Duration `yaml:"expiry_interval" default:"1m"`
	HistoryPageSize int           `yaml:"history_page_size" default:"50" validate:"min=1,max=200"`
}

// ListenerConfig contains deposit listener settings.
type ListenerConfig struct {
	FreshInterval   time.Duration `yaml:"fresh_interval" default:"60s"`
	StaleInterval   time.Duration `yaml:"stale_interval" default:"120s"`
	CostPerPoll     float64       `yaml:"cost_per_poll" default:"1.0"`
	CostPerDelaySec float64       `yaml:"cost_per_delay_sec" default:"0.1"`
}

// PayoutConfig contains payout executor settings.
type PayoutConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval" default:"30s"`
	BalanceTolerance float64       `yaml:"balance_tolerance" default:"0.99"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout" default:"1h"`

	MaxRetryAttempts int           `yaml:"max_retry_attempts" default:"5"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay" default:"60s"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" default:"30m"`
	JitterFactor     float64       `yaml:"jitter_factor" default:"0.1"`
}

// RefundConfig contains refund pipeline settings.
type RefundConfig struct {
	DepositTimeout    time.Duration `yaml:"deposit_timeout" default:"30m"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout" default:"2h"`
	PayoutTimeout     time.Duration `yaml:"payout_timeout" default:"1h"`
	RefundTimeout     time.Duration `yaml:"refund_timeout" default:"30m"`

	MaxRetryAttempts int           `yaml:"max_retry_attempts" default:"5"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay" default:"60s"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" default:"30m"`
	JitterFactor     float64       `yaml:"jitter_factor" default:"0.1"`

	GasMultiplierPerRetry float64 `yaml:"gas_multiplier_per_retry" default:"0.1"`
	MaxGasMultiplier      float64 `yaml:"max_gas_multiplier" default:"2.0"`

	MinRefundThresholdBTC float64 `yaml:"min_refund_threshold_btc" default:"0.0001"`
	MinRefundThresholdETH float64 `yaml:"min_refund_threshold_eth" default:"0.001"`
	MinRefundThresholdUSD float64 `yaml:"min_refund_threshold_usd" default:"1.0"`

	WorkerPoolSize  int           `yaml:"worker_pool_size" default:"10" validate:"min=1"`
	BatchSize       int           `yaml:"batch_size" default:"100" validate:"min=1"`
	CheckInterval   time.Duration `yaml:"check_interval" default:"60s"`
	ProcessingLease time.Duration `yaml:"processing_lease" default:"10m"`

	PriorityWeightAge    float64 `yaml:"priority_weight_age" default:"0.5"`
	PriorityWeightAmount float64 `yaml:"priority_weight_amount" default:"0.3"`
	PriorityWeightRetry  float64 `yaml:"priority_weight_retry" default:"0.2"`
}

// WebhookConfig contains webhook delivery settings.
type WebhookConfig struct {
	MaxAttempts           int           `yaml:"max_attempts" default:"10"`
	BaseRetryDelay        time.Duration `yaml:"base_retry_delay" default:"30s"`
	MaxRetryDelay         time.Duration `yaml:"max_retry_delay" default:"24h"`
	DeliveryTimeout       time.Duration `yaml:"delivery_timeout" default:"10s"`
	TimestampTolerance    time.Duration `yaml:"timestamp_tolerance" default:"5m"`
	RetryInterval         time.Duration `yaml:"retry_interval" default:"30s"`
	RetryBatchSize        int           `yaml:"retry_batch_size" default:"100"`
	BucketCapacity        float64       `yaml:"bucket_capacity" default:"100"`
	BreakerWindow         int           `yaml:"breaker_window" default:"10"`
	BreakerThreshold      float64       `yaml:"breaker_threshold" default:"0.5"`
	BreakerOpenTimeout    time.Duration `yaml:"breaker_open_timeout" default:"60s"`
	BreakerHalfOpenProbes int           `yaml:"breaker_half_open_probes" default:"3"`
}

// AuthConfig contains JWT settings for the history and admin endpoints.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer" default:"swap-middleware"`
	TokenTTL  time.Duration `yaml:"token_ttl" default:"24h"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled     bool `yaml:"enabled" default:"true"`
	MetricsPort int  `yaml:"metrics_port" default:"9090"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// Load loads configuration from file, applies defaults, environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides injects secrets from the environment. Values set in the
// file win only when the environment variable is absent.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SWAP_WALLET_MNEMONIC"); v != "" {
		cfg.Wallet.Mnemonic = v
	}
	if v := os.Getenv("TROCADOR_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
