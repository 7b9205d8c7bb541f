package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

type Config struct {
	DB          DBConfig
	Redis       RedisConfig
	Solana      SolanaConfig
	Signer      SignerConfig
	Facilitator FacilitatorConfig
	Sponsor     SponsorConfig
	Reconciler  ReconcilerConfig
	Server      ServerConfig
	Throttle    ThrottleConfig
	Alert       AlertConfig
	Tracing     TracingConfig
	Log         LogConfig
}

type DBConfig struct {
	// URL is the postgres connection string. Empty selects the in-memory
	// ledger store, which is only suitable for dev and tests.
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	// URL is optional; empty selects the in-process settlement cache.
	URL string
}

type SolanaConfig struct {
	RPCURL  string
	Network string
	// RPCRateLimitRPS smooths outbound JSON-RPC traffic so the reconciler
	// never trips public endpoint quotas.
	RPCRateLimitRPS   float64
	RPCRateLimitBurst int
}

type SignerConfig struct {
	URL     string
	Timeout time.Duration
}

type FacilitatorConfig struct {
	URL     string
	Timeout time.Duration
}

type SponsorConfig struct {
	// WalletAddress is the receiving address projects fund via on-chain deposits.
	WalletAddress string
	// UnitCostLamports is charged per sponsored transaction.
	UnitCostLamports int64
	// PaymentBatchUnits sizes the x402 requirement when a relay request
	// arrives with a payment proof: the caller prepays this many units.
	PaymentBatchUnits int64
	Assets            []model.AssetInfo
}

type ReconcilerConfig struct {
	Interval          time.Duration
	ActivityPageLimit int
	// FailureAlertThreshold is the number of consecutive failed poll cycles
	// before an alert fires.
	FailureAlertThreshold int
}

type ServerConfig struct {
	Port int
}

type ThrottleConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	RelayRPS    float64
	RelayBurst  int
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

type LogConfig struct {
	Level string
}

// usdcMainnetMint is the canonical USDC mint on Solana mainnet-beta.
const usdcMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			URL:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Solana: SolanaConfig{
			RPCURL:            getEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
			Network:           getEnv("SOLANA_NETWORK", "devnet"),
			RPCRateLimitRPS:   getEnvFloat("SOLANA_RPC_RPS", 20),
			RPCRateLimitBurst: getEnvInt("SOLANA_RPC_BURST", 40),
		},
		Signer: SignerConfig{
			URL:     getEnv("SIGNER_URL", "http://localhost:7070"),
			Timeout: time.Duration(getEnvInt("SIGNER_TIMEOUT_SEC", 30)) * time.Second,
		},
		Facilitator: FacilitatorConfig{
			URL:     getEnv("FACILITATOR_URL", ""),
			Timeout: time.Duration(getEnvInt("FACILITATOR_TIMEOUT_SEC", 30)) * time.Second,
		},
		Sponsor: SponsorConfig{
			WalletAddress:     getEnv("SPONSOR_WALLET_ADDRESS", ""),
			UnitCostLamports:  int64(getEnvInt("UNIT_COST_LAMPORTS", 5000)),
			PaymentBatchUnits: int64(getEnvInt("PAYMENT_BATCH_UNITS", 100)),
		},
		Reconciler: ReconcilerConfig{
			Interval:              time.Duration(getEnvInt("RECONCILE_INTERVAL_MS", 15000)) * time.Millisecond,
			ActivityPageLimit:     getEnvInt("RECONCILE_PAGE_LIMIT", 100),
			FailureAlertThreshold: getEnvInt("RECONCILE_FAILURE_ALERT_THRESHOLD", 5),
		},
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8080),
		},
		Throttle: ThrottleConfig{
			GlobalRPS:   getEnvFloat("THROTTLE_GLOBAL_RPS", 10),
			GlobalBurst: getEnvInt("THROTTLE_GLOBAL_BURST", 30),
			RelayRPS:    getEnvFloat("THROTTLE_RELAY_RPS", 1),
			RelayBurst:  getEnvInt("THROTTLE_RELAY_BURST", 5),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_MIN", 10)) * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:  getEnv("TRACING_ENABLED", "false") == "true",
			Endpoint: getEnv("TRACING_ENDPOINT", ""),
			Insecure: getEnv("TRACING_INSECURE", "true") == "true",
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	assets, err := loadAssets(getEnv("ASSETS_FILE", ""))
	if err != nil {
		return nil, fmt.Errorf("load asset catalog: %w", err)
	}
	cfg.Sponsor.Assets = assets

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Solana.RPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if c.Sponsor.WalletAddress == "" {
		return fmt.Errorf("SPONSOR_WALLET_ADDRESS is required")
	}
	if c.Sponsor.UnitCostLamports <= 0 {
		return fmt.Errorf("UNIT_COST_LAMPORTS must be positive")
	}
	if c.Sponsor.PaymentBatchUnits <= 0 {
		return fmt.Errorf("PAYMENT_BATCH_UNITS must be positive")
	}
	for _, asset := range c.Sponsor.Assets {
		if asset.Kind == model.AssetKindStable && asset.ConversionRate <= 0 {
			return fmt.Errorf("asset %s: conversion_rate must be positive", asset.Symbol)
		}
	}
	return nil
}

// loadAssets reads the watched asset catalog from a YAML file, or falls back
// to the built-in SOL + USDC catalog when no file is configured.
func loadAssets(path string) ([]model.AssetInfo, error) {
	if path == "" {
		return defaultAssets(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var catalog struct {
		Assets []model.AssetInfo `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(catalog.Assets) == 0 {
		return nil, fmt.Errorf("%s: no assets defined", path)
	}
	return catalog.Assets, nil
}

func defaultAssets() []model.AssetInfo {
	return []model.AssetInfo{
		{
			Symbol:   model.AssetSOL,
			Kind:     model.AssetKindNative,
			Decimals: 9,
		},
		{
			Symbol:         model.AssetUSDC,
			Kind:           model.AssetKindStable,
			Mint:           getEnv("USDC_MINT", usdcMainnetMint),
			Decimals:       6,
			ConversionRate: getEnvFloat("USDC_CONVERSION_RATE", 5.0),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
