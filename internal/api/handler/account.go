// internal/api/handler/account.go
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"coinsettle/internal/service"
	"coinsettle/internal/util"
)

// AccountHandler handles balance, history, withdrawal and payout requests.
type AccountHandler struct {
	responder
	ledger  service.LedgerService
	payouts service.PayoutService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(ledger service.LedgerService, payouts service.PayoutService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		responder: responder{logger: logger},
		ledger:    ledger,
		payouts:   payouts,
	}
}

// GetBalances returns the user's balances, creating the wallet on first access.
// GET /users/{userID}/balances
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	wallet, balances, err := h.ledger.GetOrCreateWallet(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"wallet_id": wallet.ID,
		"balances":  balances,
	})
}

// GetTransactionHistory handles the get transaction history request.
// GET /users/{userID}/transactions
func (h *AccountHandler) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	transactions, total, err := h.ledger.GetTransactionHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"data":   transactions,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// WithdrawalRequest represents the request body for a withdrawal.
type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
}

// RequestWithdrawal locks funds and queues an on-chain withdrawal.
// POST /users/{userID}/withdrawals
func (h *AccountHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	var req WithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	if !req.Amount.IsPositive() || req.Currency == "" || req.Destination == "" {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}

	transaction, err := h.ledger.RequestWithdrawal(r.Context(), userID, req.Amount, req.Destination, req.Currency)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, transaction)
}

// PayoutRequest names the withdrawals to pay in one batch.
type PayoutRequest struct {
	WithdrawalIDs []int64 `json:"withdrawal_ids"`
}

// ExecutePayout broadcasts one batch transaction for the named withdrawals.
// POST /payouts
func (h *AccountHandler) ExecutePayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	if len(req.WithdrawalIDs) == 0 {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}
	batch, err := h.payouts.ExecuteBatchWithdrawal(r.Context(), req.WithdrawalIDs)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, batch)
}
