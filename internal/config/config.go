// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"coinsettle/pkg/db"
)

// AppConfig holds all application-wide configurations.
type AppConfig struct {
	ServerPort string
	DB         db.Config
	LogLevel   string
	LogFormat  string

	HD        HDConfig
	Pricing   PricingConfig
	Ledger    LedgerConfig
	Payout    PayoutConfig
	Chain     ChainConfig
	RedisAddr string
	Kafka     KafkaConfig
	Worker    WorkerConfig
}

// HDConfig is the key material and network for address derivation.
type HDConfig struct {
	Mnemonic   string
	Passphrase string
	Network    string
	URIScheme  string
}

// PricingConfig configures the price oracle and quotes.
type PricingConfig struct {
	FeedURL       string
	CoinID        string
	CacheTTL      time.Duration
	QuoteValidity time.Duration
}

// LedgerConfig configures currencies and the platform fee.
type LedgerConfig struct {
	SettlementCurrency string
	AccountingCurrency string
	PlatformFeeRate    decimal.Decimal
	PlatformUserID     int64
}

// PayoutConfig configures batch withdrawals. Amounts are in satoshis.
type PayoutConfig struct {
	MinerFee      int64
	DustThreshold int64
}

// ChainConfig lists chain backends in ring order and their settings.
type ChainConfig struct {
	Backends         []string
	EsploraURL       string
	BlockCypherURL   string
	BlockCypherToken string
	ElectrumAddr     string
	ElectrumTLS      bool
	BackendTimeout   time.Duration
	BackendRPS       float64
	IndexTimeout     time.Duration
	IndexRetries     uint64
}

// KafkaConfig configures the order event publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers    []string
	OrderTopic string
}

// WorkerConfig configures the scheduler.
type WorkerConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	Concurrency   int
}

// LoadConfig loads configuration from the environment, reading .env first if present.
// It returns an error if any variable is missing or invalid.
func LoadConfig() (*AppConfig, error) {
	_ = godotenv.Load()

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
	}

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		fail("DB_PORT", err)
	}
	feeRate, err := getEnvDecimal("PLATFORM_FEE_RATE", decimal.RequireFromString("0.02"))
	if err != nil {
		fail("PLATFORM_FEE_RATE", err)
	} else if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		fail("PLATFORM_FEE_RATE", fmt.Errorf("%s is outside [0, 1)", feeRate))
	}
	platformUser, err := getEnvInt64("PLATFORM_USER_ID", 1)
	if err != nil {
		fail("PLATFORM_USER_ID", err)
	}
	minerFee, err := getEnvInt64("PAYOUT_MINER_FEE", 10_000)
	if err != nil {
		fail("PAYOUT_MINER_FEE", err)
	}
	dust, err := getEnvInt64("PAYOUT_DUST_THRESHOLD", 546)
	if err != nil {
		fail("PAYOUT_DUST_THRESHOLD", err)
	}
	electrumTLS, err := getEnvBool("ELECTRUM_TLS", false)
	if err != nil {
		fail("ELECTRUM_TLS", err)
	}
	rps, err := getEnvFloat("CHAIN_BACKEND_RPS", 5)
	if err != nil {
		fail("CHAIN_BACKEND_RPS", err)
	}
	retries, err := getEnvInt("CHAIN_INDEX_RETRIES", 3)
	if err != nil || retries < 0 {
		fail("CHAIN_INDEX_RETRIES", fmt.Errorf("%q", os.Getenv("CHAIN_INDEX_RETRIES")))
	}
	concurrency, err := getEnvInt("WORKER_CONCURRENCY", 8)
	if err != nil {
		fail("WORKER_CONCURRENCY", err)
	}

	durations := map[string]time.Duration{
		"PRICE_CACHE_TTL":       time.Minute,
		"QUOTE_VALIDITY":        15 * time.Minute,
		"CHAIN_BACKEND_TIMEOUT": 3500 * time.Millisecond,
		"CHAIN_INDEX_TIMEOUT":   8 * time.Second,
		"WORKER_POLL_INTERVAL":  30 * time.Second,
		"WORKER_SWEEP_INTERVAL": time.Minute,
	}
	for key, def := range durations {
		d, err := getEnvDuration(key, def)
		if err != nil {
			fail(key, err)
			continue
		}
		durations[key] = d
	}

	mnemonic := os.Getenv("HD_MNEMONIC")
	if mnemonic == "" {
		errs = append(errs, "HD_MNEMONIC is required")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	return &AppConfig{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		DB: db.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "coinsettle"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		HD: HDConfig{
			Mnemonic:   mnemonic,
			Passphrase: os.Getenv("HD_PASSPHRASE"),
			Network:    getEnv("CHAIN_NETWORK", "mainnet"),
			URIScheme:  getEnv("PAYMENT_URI_SCHEME", "bitcoin"),
		},
		Pricing: PricingConfig{
			FeedURL:       getEnv("PRICE_FEED_URL", "https://api.coingecko.com/api/v3"),
			CoinID:        getEnv("PRICE_COIN_ID", "bitcoin"),
			CacheTTL:      durations["PRICE_CACHE_TTL"],
			QuoteValidity: durations["QUOTE_VALIDITY"],
		},
		Ledger: LedgerConfig{
			SettlementCurrency: getEnv("SETTLEMENT_CURRENCY", "BTC"),
			AccountingCurrency: getEnv("ACCOUNTING_CURRENCY", "USD"),
			PlatformFeeRate:    feeRate,
			PlatformUserID:     platformUser,
		},
		Payout: PayoutConfig{
			MinerFee:      minerFee,
			DustThreshold: dust,
		},
		Chain: ChainConfig{
			Backends:         getEnvList("CHAIN_BACKENDS", []string{"esplora", "blockcypher", "electrum"}),
			EsploraURL:       getEnv("ESPLORA_URL", "https://blockstream.info/api"),
			BlockCypherURL:   getEnv("BLOCKCYPHER_URL", "https://api.blockcypher.com/v1/btc/main"),
			BlockCypherToken: os.Getenv("BLOCKCYPHER_TOKEN"),
			ElectrumAddr:     os.Getenv("ELECTRUM_ADDR"),
			ElectrumTLS:      electrumTLS,
			BackendTimeout:   durations["CHAIN_BACKEND_TIMEOUT"],
			BackendRPS:       rps,
			IndexTimeout:     durations["CHAIN_INDEX_TIMEOUT"],
			IndexRetries:     uint64(retries),
		},
		RedisAddr: os.Getenv("REDIS_ADDR"),
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", nil),
			OrderTopic: getEnv("KAFKA_ORDER_TOPIC", "coinsettle.orders"),
		},
		Worker: WorkerConfig{
			PollInterval:  durations["WORKER_POLL_INTERVAL"],
			SweepInterval: durations["WORKER_SWEEP_INTERVAL"],
			Concurrency:   concurrency,
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(value, 64)
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(value)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return decimal.NewFromString(value)
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
