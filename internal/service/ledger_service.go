// internal/service/ledger_service.go
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/hdwallet"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/shopspring/decimal"
)

// LedgerService defines the custodial balance and settlement operations.
type LedgerService interface {
	GetOrCreateWallet(ctx context.Context, userID int64) (*domain.Wallet, []domain.Balance, error)
	CreditUser(ctx context.Context, userID int64, amount decimal.Decimal, currency string, txType domain.TransactionType, orderID *int64, reference string) (*domain.Transaction, error)
	LockFunds(ctx context.Context, userID int64, amount decimal.Decimal, currency string) error
	UnlockFunds(ctx context.Context, userID int64, amount decimal.Decimal, currency string) error
	SettleOrder(ctx context.Context, orderID int64) ([]domain.Settlement, error)
	RequestWithdrawal(ctx context.Context, userID int64, amount decimal.Decimal, destination, currency string) (*domain.Transaction, error)
	GetBalances(ctx context.Context, userID int64) ([]domain.Balance, error)
	GetTransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, int64, error)
}

// AddressValidator checks withdrawal destinations.
type AddressValidator interface {
	ValidateAddress(addr string) error
}

// LedgerConfig holds the ledger's currencies and fee policy.
type LedgerConfig struct {
	SettlementCurrency string
	AccountingCurrency string
	PlatformFeeRate    decimal.Decimal
	PlatformUserID     int64
	// DustThreshold is the largest withdrawal, in satoshi, that is refused.
	// Zero means hdwallet.DefaultDustThreshold.
	DustThreshold int64
}

type ledgerService struct {
	dbExecutor      repository.DBExecutor // For non-transactional reads (e.g., *sqlx.DB)
	tx              TxFuncs
	walletRepo      repository.WalletRepository
	transactionRepo repository.TransactionRepository
	orderRepo       repository.OrderRepository
	settlementRepo  repository.SettlementRepository
	addresses       AddressValidator
	events          events.Publisher
	cfg             LedgerConfig
	logger          *slog.Logger
}

// NewLedgerService creates a new instance of LedgerService.
func NewLedgerService(
	dbExecutor repository.DBExecutor,
	tx TxFuncs,
	walletRepo repository.WalletRepository,
	transactionRepo repository.TransactionRepository,
	orderRepo repository.OrderRepository,
	settlementRepo repository.SettlementRepository,
	addresses AddressValidator,
	publisher events.Publisher,
	cfg LedgerConfig,
	logger *slog.Logger,
) LedgerService {
	if cfg.DustThreshold <= 0 {
		cfg.DustThreshold = hdwallet.DefaultDustThreshold
	}
	return &ledgerService{
		dbExecutor:      dbExecutor,
		tx:              tx,
		walletRepo:      walletRepo,
		transactionRepo: transactionRepo,
		orderRepo:       orderRepo,
		settlementRepo:  settlementRepo,
		addresses:       addresses,
		events:          publisher,
		cfg:             cfg,
		logger:          logger.With("component", "ledger"),
	}
}

// GetOrCreateWallet returns the user's wallet, creating it with zeroed
// settlement and accounting balances on first access.
func (s *ledgerService) GetOrCreateWallet(ctx context.Context, userID int64) (*domain.Wallet, []domain.Balance, error) {
	var wallet *domain.Wallet
	var balances []domain.Balance
	err := s.tx.run(ctx, "get or create wallet", func(q repository.DBExecutor) error {
		var err error
		wallet, err = s.walletRepo.GetOrCreateWallet(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("get or create wallet: %w", err)
		}
		for _, currency := range []string{s.cfg.SettlementCurrency, s.cfg.AccountingCurrency} {
			if err := s.walletRepo.EnsureBalance(ctx, q, wallet.ID, currency); err != nil {
				return fmt.Errorf("get or create wallet: %w", err)
			}
		}
		balances, err = s.walletRepo.GetBalances(ctx, q, wallet.ID)
		if err != nil {
			return fmt.Errorf("get or create wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return wallet, balances, nil
}

// CreditUser records a credit and raises the user's available balance in one transaction.
func (s *ledgerService) CreditUser(ctx context.Context, userID int64, amount decimal.Decimal, currency string, txType domain.TransactionType, orderID *int64, reference string) (*domain.Transaction, error) {
	if !amount.IsPositive() || currency == "" {
		return nil, fmt.Errorf("credit: %w", util.ErrInvalidInput)
	}

	var transaction *domain.Transaction
	err := s.tx.run(ctx, "credit", func(q repository.DBExecutor) error {
		var err error
		transaction, err = creditWithin(ctx, q, s.walletRepo, s.transactionRepo, userID, amount, currency, txType, orderID, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// creditWithin credits a user inside the caller's transaction.
func creditWithin(
	ctx context.Context,
	q repository.DBExecutor,
	walletRepo repository.WalletRepository,
	transactionRepo repository.TransactionRepository,
	userID int64,
	amount decimal.Decimal,
	currency string,
	txType domain.TransactionType,
	orderID *int64,
	reference string,
) (*domain.Transaction, error) {
	wallet, err := walletRepo.GetOrCreateWallet(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("credit: failed to get wallet for user %d: %w", userID, err)
	}

	now := time.Now().UTC()
	transaction := domain.NewTransaction(orderID, &wallet.ID, nil, amount, currency, txType,
		domain.TransactionStatusConfirmed, domain.TransactionMetadata{ConfirmedAt: &now, Reference: reference})
	if err := transactionRepo.CreateTransaction(ctx, q, transaction); err != nil {
		return nil, fmt.Errorf("credit: failed to create transaction: %w", err)
	}

	if err := walletRepo.IncrementAvailable(ctx, q, wallet.ID, currency, amount); err != nil {
		return nil, fmt.Errorf("credit: failed to update balance: %w", err)
	}
	return transaction, nil
}

// LockFunds moves amount from available to locked.
func (s *ledgerService) LockFunds(ctx context.Context, userID int64, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("lock funds: %w", util.ErrInvalidInput)
	}
	return s.tx.run(ctx, "lock funds", func(q repository.DBExecutor) error {
		wallet, err := s.walletRepo.GetWalletByUserID(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("lock funds: failed to get wallet for user %d: %w", userID, err)
		}
		return s.lockWithin(ctx, q, wallet.ID, amount, currency)
	})
}

func (s *ledgerService) lockWithin(ctx context.Context, q repository.DBExecutor, walletID int64, amount decimal.Decimal, currency string) error {
	balance, err := s.walletRepo.GetBalanceForUpdate(ctx, q, walletID, currency)
	if err != nil {
		if util.IsError(err, util.ErrNotFound) {
			return util.ErrInsufficientFunds
		}
		return fmt.Errorf("lock funds: failed to read balance: %w", err)
	}
	if balance.Available.LessThan(amount) {
		return util.ErrInsufficientFunds
	}
	if err := s.walletRepo.MoveToLocked(ctx, q, walletID, currency, amount); err != nil {
		return fmt.Errorf("lock funds: %w", err)
	}
	return nil
}

// UnlockFunds moves amount from locked back to available.
func (s *ledgerService) UnlockFunds(ctx context.Context, userID int64, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("unlock funds: %w", util.ErrInvalidInput)
	}
	return s.tx.run(ctx, "unlock funds", func(q repository.DBExecutor) error {
		wallet, err := s.walletRepo.GetWalletByUserID(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("unlock funds: failed to get wallet for user %d: %w", userID, err)
		}
		balance, err := s.walletRepo.GetBalanceForUpdate(ctx, q, wallet.ID, currency)
		if err != nil {
			if util.IsError(err, util.ErrNotFound) {
				return util.ErrInvalidUnlockAmount
			}
			return fmt.Errorf("unlock funds: failed to read balance: %w", err)
		}
		if balance.Locked.LessThan(amount) {
			return util.ErrInvalidUnlockAmount
		}
		if err := s.walletRepo.MoveToAvailable(ctx, q, wallet.ID, currency, amount); err != nil {
			return fmt.Errorf("unlock funds: %w", err)
		}
		return nil
	})
}

// SettleOrder splits a paid order's coin amount across its line items and
// credits each vendor's net share and the platform's fee. The order_settlements
// claim makes a second call fail with util.ErrAlreadySettled.
func (s *ledgerService) SettleOrder(ctx context.Context, orderID int64) ([]domain.Settlement, error) {
	var settlements []domain.Settlement
	var order *domain.Order
	err := s.tx.run(ctx, "settle order", func(q repository.DBExecutor) error {
		var err error
		order, err = s.orderRepo.LockOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("settle order: failed to lock order %d: %w", orderID, err)
		}
		if !order.Status.IsPaid() {
			return fmt.Errorf("settle order %d in status %s: %w", orderID, order.Status, util.ErrInvalidOrderState)
		}

		payment, err := s.transactionRepo.GetConfirmedPayment(ctx, q, orderID)
		if util.IsError(err, util.ErrNotFound) {
			return fmt.Errorf("settle order %d: no confirmed payment: %w", orderID, util.ErrInvalidOrderState)
		}
		if err != nil {
			return fmt.Errorf("settle order: failed to get payment for order %d: %w", orderID, err)
		}

		if err := s.settlementRepo.MarkOrderSettled(ctx, q, orderID, payment.ID); err != nil {
			return fmt.Errorf("settle order %d: %w", orderID, err)
		}

		reference := fmt.Sprintf("order:%d", orderID)
		now := time.Now().UTC()
		currency := s.cfg.SettlementCurrency
		shares := domain.SplitProceeds(order.Items, order.FiatAmount, order.CoinAmount, s.cfg.PlatformFeeRate)
		for _, share := range shares {
			if share.VendorNet.IsPositive() {
				if _, err := creditWithin(ctx, q, s.walletRepo, s.transactionRepo, share.Item.VendorID, share.VendorNet,
					currency, domain.TransactionTypeSettlementCredit, &orderID, reference); err != nil {
					return fmt.Errorf("settle order %d: vendor %d: %w", orderID, share.Item.VendorID, err)
				}
			}
			if share.PlatformFee.IsPositive() {
				if _, err := creditWithin(ctx, q, s.walletRepo, s.transactionRepo, s.cfg.PlatformUserID, share.PlatformFee,
					currency, domain.TransactionTypePlatformFee, &orderID, reference); err != nil {
					return fmt.Errorf("settle order %d: platform fee: %w", orderID, err)
				}
			}

			for _, record := range []domain.Settlement{
				{BeneficiaryID: share.Item.VendorID, BeneficiaryKind: domain.BeneficiaryVendor, Amount: share.VendorNet},
				{BeneficiaryID: s.cfg.PlatformUserID, BeneficiaryKind: domain.BeneficiaryPlatform, Amount: share.PlatformFee},
			} {
				record.TransactionID = payment.ID
				record.OrderID = orderID
				record.OrderItemID = share.Item.ID
				record.Currency = currency
				record.Status = domain.SettlementStatusCompleted
				record.ProcessedAt = now
				if err := s.settlementRepo.CreateSettlement(ctx, q, &record); err != nil {
					return fmt.Errorf("settle order %d: item %d: %w", orderID, share.Item.ID, err)
				}
				settlements = append(settlements, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order settled", "order_id", orderID, "coin_amount", order.CoinAmount, "settlements", len(settlements))
	publish(ctx, s.events, s.logger, events.NewOrderEvent(events.EventOrderSettled, order))
	return settlements, nil
}

// RequestWithdrawal locks amount and queues a PENDING withdrawal to destination.
func (s *ledgerService) RequestWithdrawal(ctx context.Context, userID int64, amount decimal.Decimal, destination, currency string) (*domain.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("request withdrawal: %w", util.ErrInvalidInput)
	}
	if currency != s.cfg.SettlementCurrency {
		return nil, fmt.Errorf("request withdrawal: currency %s cannot be withdrawn on chain: %w", currency, util.ErrInvalidInput)
	}
	units, err := util.ToSmallestUnit(amount)
	if err != nil {
		return nil, fmt.Errorf("request withdrawal: %w", err)
	}
	if units <= s.cfg.DustThreshold {
		return nil, fmt.Errorf("request withdrawal: %d sat is not above dust %d: %w", units, s.cfg.DustThreshold, util.ErrInvalidInput)
	}
	if err := s.addresses.ValidateAddress(destination); err != nil {
		return nil, fmt.Errorf("request withdrawal: %w", err)
	}

	var transaction *domain.Transaction
	err = s.tx.run(ctx, "request withdrawal", func(q repository.DBExecutor) error {
		wallet, err := s.walletRepo.GetWalletByUserID(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("request withdrawal: failed to get wallet for user %d: %w", userID, err)
		}
		if err := s.lockWithin(ctx, q, wallet.ID, amount, currency); err != nil {
			return err
		}

		transaction = domain.NewTransaction(nil, &wallet.ID, nil, amount, currency, domain.TransactionTypeWithdrawal,
			domain.TransactionStatusPending, domain.TransactionMetadata{DestinationAddress: destination})
		if err := s.transactionRepo.CreateTransaction(ctx, q, transaction); err != nil {
			return fmt.Errorf("request withdrawal: failed to create transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// GetBalances returns the user's balances.
func (s *ledgerService) GetBalances(ctx context.Context, userID int64) ([]domain.Balance, error) {
	wallet, err := s.walletRepo.GetWalletByUserID(ctx, s.dbExecutor, userID)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	balances, err := s.walletRepo.GetBalances(ctx, s.dbExecutor, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return balances, nil
}

// GetTransactionHistory retrieves a paginated list of transactions for a user's wallet.
func (s *ledgerService) GetTransactionHistory(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, int64, error) {
	wallet, err := s.walletRepo.GetWalletByUserID(ctx, s.dbExecutor, userID)
	if err != nil {
		if util.IsError(err, util.ErrNotFound) {
			return nil, 0, util.ErrWalletNotFound
		}
		return nil, 0, fmt.Errorf("failed to check wallet existence: %w", err)
	}

	transactions, totalCount, err := s.transactionRepo.GetTransactionsByWalletID(ctx, s.dbExecutor, wallet.ID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve transaction history: %w", err)
	}
	return transactions, totalCount, nil
}
