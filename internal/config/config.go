package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// FileConfig models the optional config.json. Every value can be overridden
// from the environment.
type FileConfig struct {
	Chain struct {
		ChainID          int64  `json:"chainId"`
		RPCURL           string `json:"rpcUrl"`
		Confirmations    int    `json:"confirmations"`
		CustodyAddress   string `json:"custodyAddress"`
		RewardContract   string `json:"rewardContract"`
		NativeUnitSymbol string `json:"nativeUnitSymbol"`
	} `json:"chain"`
	Secrets struct {
		JWTSecret           string `json:"jwtSecret"`
		SigningRelaySecret  string `json:"signingRelaySecret"`
		StripeSecretKey     string `json:"stripeSecretKey"`
		StripeWebhookSecret string `json:"stripeWebhookSecret"`
	} `json:"secrets"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs           int `json:"rpcTimeoutMs"`
		SettlementMaxWaitSecs  int `json:"settlementMaxWaitSeconds"`
		MintConfirmTimeoutSecs int `json:"mintConfirmTimeoutSeconds"`
		CheckoutDedupeSecs     int `json:"checkoutDedupeWindowSeconds"`
	} `json:"timeouts"`
	Rates struct {
		SourceURL     string `json:"sourceUrl"`
		FallbackRate  string `json:"fallbackRate"`
		StalenessSecs int    `json:"stalenessSeconds"`
	} `json:"rates"`
}

// AppConfig is the resolved runtime configuration.
type AppConfig struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Chain     ChainConfig
	Retry     RetryConfig
	Timeouts  TimeoutConfig
	Rates     RatesConfig
	Card      CardConfig
	Handshake HandshakeConfig
	Stake     StakeConfig
	Broker    BrokerConfig
}

type ServiceConfig struct {
	HTTPPort         int
	LogJSON          bool
	LogLevel         string
	JWTSecret        string
	RelaySecret      string
	HMACClockSkew    time.Duration
	Currency         string
	WorkerCount      int
	WorkerPoll       time.Duration
	IdempotencyStore string // memory | sqlite | postgres
	SQLitePath       string
}

type DatabaseConfig struct {
	DSN string
}

type ChainConfig struct {
	ChainID        int64
	RPCURL         string
	PrivateKey     string
	Confirmations  uint64
	CustodyAddress string
	RewardContract string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type TimeoutConfig struct {
	RPCTimeout         time.Duration
	LedgerPollInterval time.Duration
	SettlementMaxWait  time.Duration
	MintConfirmTimeout time.Duration
	CheckoutDedupe     time.Duration
	StaleTaskAfter     time.Duration
}

type RatesConfig struct {
	SourceURL    string
	FallbackRate string
	Staleness    time.Duration
}

type CardConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
}

type HandshakeConfig struct {
	TTL              time.Duration
	Retention        time.Duration
	DeepLinkScheme   string
	PublicBaseURL    string
	RequireSignature bool
}

type StakeConfig struct {
	SweepInterval  time.Duration
	SweepBatch     int
	MaxLock        time.Duration
	RewardMetadata string
}

type BrokerConfig struct {
	AMQPURL  string
	Exchange string
}

const defaultConfigPath = "config.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	path := envOr("CONFIG_PATH", defaultConfigPath)
	fileCfg, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:         envOrInt("API_HTTP_PORT", 3000),
			LogJSON:          envOrBool("LOG_JSON", true),
			LogLevel:         envOr("LOG_LEVEL", "info"),
			JWTSecret:        envOr("JWT_SECRET", fileCfg.Secrets.JWTSecret),
			RelaySecret:      envOr("SIGNING_RELAY_SECRET", fileCfg.Secrets.SigningRelaySecret),
			HMACClockSkew:    time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			Currency:         envOr("ORDER_CURRENCY", "JPY"),
			WorkerCount:      envOrInt("MINT_WORKERS", 4),
			WorkerPoll:       envOrDuration("MINT_WORKER_POLL", time.Second),
			IdempotencyStore: envOr("IDEMPOTENCY_STORE", "memory"),
			SQLitePath:       envOr("IDEMPOTENCY_SQLITE_PATH", "airzone-idem.db"),
		},
		Database: DatabaseConfig{
			DSN: envOr("DATABASE_URL", ""),
		},
		Chain: ChainConfig{
			ChainID:        int64(envOrInt("CHAIN_ID", int(fileCfg.Chain.ChainID))),
			RPCURL:         envOr("CHAIN_RPC_URL", fileCfg.Chain.RPCURL),
			PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
			Confirmations:  uint64(envOrInt("CHAIN_CONFIRMATIONS", orInt(fileCfg.Chain.Confirmations, 2))),
			CustodyAddress: envOr("CHAIN_CUSTODY_ADDRESS", fileCfg.Chain.CustodyAddress),
			RewardContract: envOr("CHAIN_REWARD_CONTRACT", fileCfg.Chain.RewardContract),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("MINT_MAX_RETRIES", orInt(fileCfg.Retry.MaxAttempts, 5)),
			InitialBackoff:    time.Duration(orInt(fileCfg.Retry.InitialBackoffMs, 2000)) * time.Millisecond,
			MaxBackoff:        time.Duration(orInt(fileCfg.Retry.MaxBackoffMs, 120000)) * time.Millisecond,
			BackoffMultiplier: orInt(fileCfg.Retry.BackoffMultiplier, 2),
		},
		Timeouts: TimeoutConfig{
			RPCTimeout:         time.Duration(orInt(fileCfg.Timeouts.RPCTimeoutMs, 10000)) * time.Millisecond,
			LedgerPollInterval: envOrDuration("LEDGER_POLL_INTERVAL", 3*time.Second),
			SettlementMaxWait:  envOrDuration("SETTLEMENT_MAX_WAIT", time.Duration(orInt(fileCfg.Timeouts.SettlementMaxWaitSecs, 120))*time.Second),
			MintConfirmTimeout: envOrDuration("MINT_CONFIRM_TIMEOUT", time.Duration(orInt(fileCfg.Timeouts.MintConfirmTimeoutSecs, 90))*time.Second),
			CheckoutDedupe:     envOrDuration("CHECKOUT_DEDUPE_WINDOW", time.Duration(orInt(fileCfg.Timeouts.CheckoutDedupeSecs, 10))*time.Second),
			StaleTaskAfter:     envOrDuration("STALE_TASK_AFTER", 10*time.Minute),
		},
		Rates: RatesConfig{
			SourceURL:    envOr("RATE_SOURCE_URL", fileCfg.Rates.SourceURL),
			FallbackRate: envOr("RATE_FALLBACK", orString(fileCfg.Rates.FallbackRate, "500000")),
			Staleness:    envOrDuration("RATE_STALENESS", time.Duration(orInt(fileCfg.Rates.StalenessSecs, 60))*time.Second),
		},
		Card: CardConfig{
			StripeSecretKey:     envOr("STRIPE_SECRET_KEY", fileCfg.Secrets.StripeSecretKey),
			StripeWebhookSecret: envOr("STRIPE_WEBHOOK_SECRET", fileCfg.Secrets.StripeWebhookSecret),
		},
		Handshake: HandshakeConfig{
			TTL:              envOrDuration("HANDSHAKE_TTL", 5*time.Minute),
			Retention:        envOrDuration("HANDSHAKE_RETENTION", 2*time.Minute),
			DeepLinkScheme:   envOr("HANDSHAKE_DEEPLINK_SCHEME", "airzone"),
			PublicBaseURL:    envOr("PUBLIC_BASE_URL", "http://localhost:3000"),
			RequireSignature: envOrBool("HANDSHAKE_REQUIRE_SIGNATURE", false),
		},
		Stake: StakeConfig{
			SweepInterval:  envOrDuration("STAKE_SWEEP_INTERVAL", 30*time.Second),
			SweepBatch:     envOrInt("STAKE_SWEEP_BATCH", 100),
			MaxLock:        envOrDuration("STAKE_MAX_LOCK", 365*24*time.Hour),
			RewardMetadata: envOr("STAKE_REWARD_METADATA_URI", "ipfs://airzone/stake-reward.json"),
		},
		Broker: BrokerConfig{
			AMQPURL:  envOr("AMQP_URL", ""),
			Exchange: envOr("AMQP_EXCHANGE", "airzone.events"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 {
		errs = append(errs, errors.New("API_HTTP_PORT must be positive"))
	}
	if c.Service.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MINT_MAX_RETRIES must be positive"))
	}
	if c.Timeouts.SettlementMaxWait <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_WAIT must be positive"))
	}
	if c.Handshake.TTL <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TTL must be positive"))
	}
	switch c.Service.IdempotencyStore {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("IDEMPOTENCY_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IDEMPOTENCY_STORE %q", c.Service.IdempotencyStore))
	}
	return errors.Join(errs...)
}

func loadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
