package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	LogFormat string `mapstructure:"log_format" json:"log_format,omitempty"`

	Server struct {
		Host       string `mapstructure:"host" json:"host,omitempty"`
		Port       int64  `mapstructure:"port" json:"port,omitempty"`
		JWTSecret  string `mapstructure:"jwt_secret" json:"-"`
		AdminToken string `mapstructure:"admin_token" json:"-"`
	} `mapstructure:"server" json:"server"`

	Database Database `mapstructure:"database" json:"database,omitempty"`
	Redis    Redis    `mapstructure:"redis" json:"redis,omitempty"`

	Oracle   Oracle       `mapstructure:"oracle" json:"oracle,omitempty"`
	Payment  Payment      `mapstructure:"payment" json:"payment,omitempty"`
	Wallet   Wallet       `mapstructure:"wallet" json:"wallet,omitempty"`
	Chain    Chain        `mapstructure:"chain" json:"chain,omitempty"`
	Rewards  Rewards      `mapstructure:"rewards" json:"rewards,omitempty"`
	Receipts BlockStorage `mapstructure:"receipts" json:"receipts,omitempty"`

	Engine    Engine    `mapstructure:"engine" json:"engine,omitempty"`
	Scheduler Scheduler `mapstructure:"scheduler" json:"scheduler,omitempty"`

	HealthPort int `mapstructure:"health_port" json:"health_port,omitempty"`
}

type Database struct {
	DSN string `mapstructure:"dsn" json:"-"`
}

type Redis struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     string `mapstructure:"port" json:"port,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db,omitempty"`
}

type Oracle struct {
	BaseURL        string        `mapstructure:"base_url" json:"base_url,omitempty"`
	APIKey         string        `mapstructure:"api_key" json:"-"`
	FiatCurrency   string        `mapstructure:"fiat_currency" json:"fiat_currency,omitempty"`
	StableSymbol   string        `mapstructure:"stable_symbol" json:"stable_symbol,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout,omitempty"`
}

type Payment struct {
	BaseURL       string `mapstructure:"base_url" json:"base_url,omitempty"`
	KeyID         string `mapstructure:"key_id" json:"key_id,omitempty"`
	KeySecret     string `mapstructure:"key_secret" json:"-"`
	WebhookSecret string `mapstructure:"webhook_secret" json:"-"`
}

type Wallet struct {
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" json:"-"`
}

type Chain struct {
	RPCURL          string        `mapstructure:"rpc_url" json:"rpc_url,omitempty"`
	ChainID         int64         `mapstructure:"chain_id" json:"chain_id,omitempty"`
	CustodyContract string        `mapstructure:"custody_contract" json:"custody_contract,omitempty"`
	ExecutorKey     string        `mapstructure:"executor_key" json:"-"`
	TreasuryKey     string        `mapstructure:"treasury_key" json:"-"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" json:"confirm_timeout,omitempty"`
	ConfirmPoll     time.Duration `mapstructure:"confirm_poll" json:"confirm_poll,omitempty"`
}

type Rewards struct {
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" json:"-"`
}

type BlockStorage struct {
	Host      string `mapstructure:"host" json:"host,omitempty"`
	Region    string `mapstructure:"region" json:"region,omitempty"`
	AccessKey string `mapstructure:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	Bucket    string `mapstructure:"bucket" json:"bucket,omitempty"`
}

type Engine struct {
	Concurrency      int           `mapstructure:"concurrency" json:"concurrency,omitempty"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold,omitempty"`
	FillTimeout      time.Duration `mapstructure:"fill_timeout" json:"fill_timeout,omitempty"`
	FillPoll         time.Duration `mapstructure:"fill_poll" json:"fill_poll,omitempty"`
}

type Scheduler struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
	IterationTimeout time.Duration `mapstructure:"iteration_timeout" json:"iteration_timeout,omitempty"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl" json:"lease_ttl,omitempty"`
}

func Read() (*Config, error) {
	configName := os.Getenv("STRIDE_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fail to reading config file, %w", err)
		}
		// Containerized deployments run without a config file.
		return ReadFromEnv()
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadFromEnv builds the config from STRIDE_* environment variables alone,
// e.g. STRIDE_SERVER_JWTSECRET or STRIDE_DATABASE_DSN.
func ReadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("stride", &cfg); err != nil {
		return nil, fmt.Errorf("fail to read config from env, %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Oracle.FiatCurrency == "" {
		c.Oracle.FiatCurrency = "INR"
	}
	if c.Oracle.StableSymbol == "" {
		c.Oracle.StableSymbol = "USDC"
	}
	if c.Oracle.RequestTimeout == 0 {
		c.Oracle.RequestTimeout = 10 * time.Second
	}
	if c.Chain.ConfirmTimeout == 0 {
		c.Chain.ConfirmTimeout = 2 * time.Minute
	}
	if c.Chain.ConfirmPoll == 0 {
		c.Chain.ConfirmPoll = 2 * time.Second
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = 4
	}
	if c.Engine.FailureThreshold == 0 {
		c.Engine.FailureThreshold = 3
	}
	if c.Engine.FillTimeout == 0 {
		c.Engine.FillTimeout = 30 * time.Second
	}
	if c.Engine.FillPoll == 0 {
		c.Engine.FillPoll = 2 * time.Second
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Minute
	}
	if c.Scheduler.IterationTimeout == 0 {
		c.Scheduler.IterationTimeout = 4 * time.Minute
	}
	if c.Scheduler.LeaseTTL == 0 {
		c.Scheduler.LeaseTTL = 5 * time.Minute
	}
	if c.HealthPort == 0 {
		c.HealthPort = 8081
	}
}

// Validate fails startup loudly when a required secret is absent. There are no
// embedded fallback credentials anywhere in the codebase.
func (c *Config) Validate() error {
	required := map[string]string{
		"database.dsn":           c.Database.DSN,
		"server.jwt_secret":      c.Server.JWTSecret,
		"payment.webhook_secret": c.Payment.WebhookSecret,
		"chain.rpc_url":          c.Chain.RPCURL,
		"chain.custody_contract": c.Chain.CustodyContract,
		"chain.executor_key":     c.Chain.ExecutorKey,
		"chain.treasury_key":     c.Chain.TreasuryKey,
		"oracle.base_url":        c.Oracle.BaseURL,
		"receipts.access_key":    c.Receipts.AccessKey,
		"receipts.secret_key":    c.Receipts.SecretKey,
		"receipts.bucket":        c.Receipts.Bucket,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("missing required config value: %s", key)
		}
	}
	return nil
}
