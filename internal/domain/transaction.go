// internal/domain/transaction.go
package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// TransactionType defines the type of a ledger-observed event.
type TransactionType string

const (
	TransactionTypePayment           TransactionType = "PAYMENT"
	TransactionTypeWithdrawal        TransactionType = "WITHDRAWAL"
	TransactionTypeOverpaymentCredit TransactionType = "OVERPAYMENT_CREDIT"
	TransactionTypeSettlementCredit  TransactionType = "SETTLEMENT_CREDIT"
	TransactionTypePlatformFee       TransactionType = "PLATFORM_FEE"
	TransactionTypeCredit            TransactionType = "CREDIT"
)

// TransactionStatus defines the status of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
)

// TransactionMetadata is stored as JSONB next to the transaction row.
type TransactionMetadata struct {
	Confirmations       int        `json:"confirmations"`
	ConfirmedAt         *time.Time `json:"confirmedAt,omitempty"`
	IsSufficient        bool       `json:"isSufficient"`
	IsOverpaid          bool       `json:"isOverpaid"`
	OverpaymentCredited bool       `json:"overpaymentCredited,omitempty"`
	DestinationAddress  string     `json:"destinationAddress,omitempty"`
	PayoutTxHash        string     `json:"payoutTxHash,omitempty"`
	PayoutBatchID       string     `json:"payoutBatchId,omitempty"`
	Reference           string     `json:"reference,omitempty"`
}

// Value implements driver.Valuer.
func (m TransactionMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *TransactionMetadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = TransactionMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}

// Transaction is an append-only ledger event. TxHash is unique when present.
type Transaction struct {
	ID        int64               `db:"id" json:"id"`
	OrderID   *int64              `db:"order_id" json:"order_id,omitempty"`
	WalletID  *int64              `db:"wallet_id" json:"wallet_id,omitempty"`
	TxHash    *string             `db:"tx_hash" json:"tx_hash,omitempty"`
	Amount    decimal.Decimal     `db:"amount" json:"amount"`
	Currency  string              `db:"currency" json:"currency"`
	Type      TransactionType     `db:"type" json:"type"`
	Status    TransactionStatus   `db:"status" json:"status"`
	Metadata  TransactionMetadata `db:"metadata" json:"metadata"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt time.Time           `db:"updated_at" json:"updated_at"`
}

// NewTransaction creates a new Transaction instance.
func NewTransaction(
	orderID *int64,
	walletID *int64,
	txHash *string,
	amount decimal.Decimal,
	currency string,
	txType TransactionType,
	status TransactionStatus,
	metadata TransactionMetadata,
) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		OrderID:   orderID,
		WalletID:  walletID,
		TxHash:    txHash,
		Amount:    amount,
		Currency:  currency,
		Type:      txType,
		Status:    status,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
