// internal/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"coinsettle/internal/api"
	"coinsettle/internal/api/handler"
	"coinsettle/internal/chain"
	"coinsettle/internal/config"
	"coinsettle/internal/events"
	"coinsettle/internal/hdwallet"
	"coinsettle/internal/pricing"
	"coinsettle/internal/repository"
	"coinsettle/internal/repository/postgres"
	"coinsettle/internal/service"
	"coinsettle/internal/util"
	"coinsettle/internal/worker"
	"coinsettle/pkg/db"
)

// Application holds all the initialized components of the application.
type Application struct {
	Config *config.AppConfig
	Logger *slog.Logger
	DB     *sqlx.DB
	Redis  *redis.Client
	Kafka  *kafka.Writer
	Params *chaincfg.Params

	// Repositories
	OrderRepository       repository.OrderRepository
	ProductRepository     repository.ProductRepository
	WalletRepository      repository.WalletRepository
	TransactionRepository repository.TransactionRepository
	SettlementRepository  repository.SettlementRepository
	PayoutRepository      repository.PayoutRepository

	// Chain and pricing
	Chain    *chain.Provider
	Electrum *chain.ElectrumBackend
	Deriver  *hdwallet.Deriver
	Oracle   *pricing.Oracle

	// Services
	LedgerService  service.LedgerService
	OrderService   service.OrderService
	PaymentService service.PaymentService
	PayoutService  service.PayoutService
	Sweeper        *service.ExpirationSweeper

	Scheduler   *worker.Scheduler
	HTTPHandler http.Handler
}

// NewApplication creates a new Application instance.
func NewApplication() *Application {
	return &Application{Logger: util.GetLogger()}
}

// Initialize initializes all application components.
func (app *Application) Initialize(ctx context.Context) error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.Config = cfg

	// 2. Initialize Logger
	util.InitLogger(util.LogOptions{Level: cfg.LogLevel, Format: cfg.LogFormat})
	app.Logger = util.GetLogger()
	app.Logger.Info("Application configuration loaded successfully.", "network", cfg.HD.Network)

	// 3. Connect to Database and migrate
	database, err := db.NewPostgresDB(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.DB = database
	if err := db.Migrate(ctx, app.DB); err != nil {
		return err
	}
	app.Logger.Info("Database connection established and migrated.")

	// 4. Initialize Repositories
	app.OrderRepository = postgres.NewOrderRepository(app.DB)
	app.ProductRepository = postgres.NewProductRepository(app.DB)
	app.WalletRepository = postgres.NewWalletRepository(app.DB)
	app.TransactionRepository = postgres.NewTransactionRepository(app.DB)
	app.SettlementRepository = postgres.NewSettlementRepository(app.DB)
	app.PayoutRepository = postgres.NewPayoutRepository(app.DB)

	// 5. Keys, chain access, pricing, events
	if err := app.initKeys(); err != nil {
		return err
	}
	if err := app.initChain(); err != nil {
		return err
	}
	if err := app.initPricing(ctx); err != nil {
		return err
	}
	publisher := app.initEvents()

	// 6. Initialize Services
	tx := service.NewTxFuncs(app.DB)
	app.LedgerService = service.NewLedgerService(
		app.DB, tx,
		app.WalletRepository, app.TransactionRepository, app.OrderRepository, app.SettlementRepository,
		app.Deriver, publisher,
		service.LedgerConfig{
			SettlementCurrency: cfg.Ledger.SettlementCurrency,
			AccountingCurrency: cfg.Ledger.AccountingCurrency,
			PlatformFeeRate:    cfg.Ledger.PlatformFeeRate,
			PlatformUserID:     cfg.Ledger.PlatformUserID,
			DustThreshold:      cfg.Payout.DustThreshold,
		},
		app.Logger,
	)
	app.PaymentService = service.NewPaymentService(
		app.DB, tx, app.Chain,
		app.OrderRepository, app.TransactionRepository, app.WalletRepository, app.PayoutRepository,
		publisher, cfg.Ledger.SettlementCurrency, app.Logger,
	)
	app.Sweeper = service.NewExpirationSweeper(
		app.DB, tx, app.OrderRepository, app.ProductRepository, app.TransactionRepository, publisher, app.Logger,
	)
	app.OrderService = service.NewOrderService(
		app.DB, tx, app.OrderRepository, app.ProductRepository,
		pricing.NewQuoteCalculator(app.Oracle, cfg.Pricing.QuoteValidity),
		app.Deriver, app.Sweeper, publisher, cfg.HD.URIScheme, app.Logger,
	)
	app.PayoutService = service.NewPayoutService(
		app.DB, tx, app.Electrum,
		hdwallet.NewSigner(app.Deriver, app.Params, cfg.Payout.DustThreshold, app.Logger),
		app.OrderRepository, app.TransactionRepository, app.WalletRepository, app.PayoutRepository,
		publisher, cfg.Payout.MinerFee, app.Logger,
	)
	app.Logger.Info("Services initialized.")

	// 7. Scheduler
	app.Scheduler = worker.NewScheduler(
		worker.RepositorySource{
			DB:           app.DB,
			Orders:       app.OrderRepository,
			Transactions: app.TransactionRepository,
			Settlements:  app.SettlementRepository,
		},
		app.PaymentService, app.Sweeper, app.LedgerService,
		worker.Config{
			PollInterval:  cfg.Worker.PollInterval,
			SweepInterval: cfg.Worker.SweepInterval,
			Concurrency:   cfg.Worker.Concurrency,
		},
		app.Logger,
	)

	// 8. Initialize HTTP Handlers and Router
	app.HTTPHandler = api.NewRouter(
		handler.NewOrderHandler(app.OrderService, app.LedgerService, app.Logger),
		handler.NewAccountHandler(app.LedgerService, app.PayoutService, app.Logger),
		app.Logger,
	)
	app.Logger.Info("HTTP router and handlers initialized.")
	return nil
}

func (app *Application) initKeys() error {
	params, err := hdwallet.NetworkParams(app.Config.HD.Network)
	if err != nil {
		return fmt.Errorf("failed to resolve network: %w", err)
	}
	app.Params = params

	deriver, err := hdwallet.NewDeriver(app.Config.HD.Mnemonic, app.Config.HD.Passphrase, params)
	if err != nil {
		return fmt.Errorf("failed to initialize address deriver: %w", err)
	}
	app.Deriver = deriver
	return nil
}

func (app *Application) initChain() error {
	cc := app.Config.Chain
	if cc.ElectrumAddr == "" {
		return fmt.Errorf("ELECTRUM_ADDR is required for payouts")
	}
	client := chain.NewElectrumClient(chain.ElectrumConfig{
		Addr:    cc.ElectrumAddr,
		TLS:     cc.ElectrumTLS,
		Timeout: cc.IndexTimeout,
		Retries: cc.IndexRetries,
	}, app.Logger)
	app.Electrum = chain.NewElectrumBackend(client, app.Params)

	httpClient := &http.Client{Timeout: cc.BackendTimeout}
	var backends []chain.Backend
	for _, name := range cc.Backends {
		switch strings.ToLower(name) {
		case "esplora":
			backends = append(backends, chain.NewEsploraBackend(cc.EsploraURL, httpClient))
		case "blockcypher":
			backends = append(backends, chain.NewBlockCypherBackend(cc.BlockCypherURL, cc.BlockCypherToken, httpClient))
		case "electrum":
			backends = append(backends, app.Electrum)
		default:
			return fmt.Errorf("unknown chain backend %q", name)
		}
	}
	if len(backends) == 0 {
		return fmt.Errorf("CHAIN_BACKENDS lists no backends")
	}
	app.Chain = chain.NewProvider(backends, cc.BackendTimeout, cc.BackendRPS, app.Logger)
	app.Logger.Info("Chain backends initialized.", "ring", cc.Backends)
	return nil
}

func (app *Application) initPricing(ctx context.Context) error {
	var cache pricing.RateCache = pricing.NewMemoryCache()
	if app.Config.RedisAddr != "" {
		app.Redis = redis.NewClient(&redis.Options{Addr: app.Config.RedisAddr})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cache = pricing.NewRedisCache(app.Redis, 0)
		app.Logger.Info("Using redis rate cache.", "addr", app.Config.RedisAddr)
	}
	app.Oracle = pricing.NewOracle(
		pricing.NewCoinGeckoFeed(app.Config.Pricing.FeedURL),
		cache,
		app.Config.Pricing.CoinID,
		app.Config.Ledger.AccountingCurrency,
		app.Config.Pricing.CacheTTL,
		app.Logger,
	)
	return nil
}

func (app *Application) initEvents() events.Publisher {
	if len(app.Config.Kafka.Brokers) == 0 {
		app.Logger.Info("No Kafka brokers configured; order events are dropped.")
		return events.NopPublisher{}
	}
	app.Kafka = events.NewKafkaWriter(app.Config.Kafka.Brokers, app.Config.Kafka.OrderTopic)
	return events.NewKafkaPublisher(app.Kafka, app.Logger)
}

// Shutdown gracefully shuts down application resources.
func (app *Application) Shutdown(ctx context.Context) error {
	app.Logger.Info("Shutting down application...")
	if app.Kafka != nil {
		if err := app.Kafka.Close(); err != nil {
			app.Logger.Error("Failed to close kafka writer", "error", err)
		}
	}
	if app.Redis != nil {
		if err := app.Redis.Close(); err != nil {
			app.Logger.Error("Failed to close redis client", "error", err)
		}
	}
	if app.DB != nil {
		if err := app.DB.Close(); err != nil {
			app.Logger.Error("Failed to close database connection", "error", err)
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		app.Logger.Info("Database connection closed.")
	}
	app.Logger.Info("Application shut down gracefully.")
	return nil
}
