// internal/api/handler/order.go
package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"coinsettle/internal/domain"
	"coinsettle/internal/service"
	"coinsettle/internal/util"
)

// OrderHandler handles order, quote and settlement requests.
type OrderHandler struct {
	responder
	orders service.OrderService
	ledger service.LedgerService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orders service.OrderService, ledger service.LedgerService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		responder: responder{logger: logger},
		orders:    orders,
		ledger:    ledger,
	}
}

// CreateOrderRequest represents the request body for order creation.
type CreateOrderRequest struct {
	BuyerID int64               `json:"buyer_id"`
	Items   []service.OrderLine `json:"items"`
}

type orderResponse struct {
	*domain.Order
	PaymentURI string `json:"payment_uri,omitempty"`
}

// CreateOrder handles order creation.
// POST /orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	if req.BuyerID <= 0 || len(req.Items) == 0 {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), req.BuyerID, req.Items)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, orderResponse{Order: order, PaymentURI: h.orders.PaymentURI(order)})
}

// GetOrder returns an order, expiring it first if its quote lapsed unpaid.
// GET /orders/{orderID}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	order, err := h.orders.GetOrderWithLazyExpiry(r.Context(), orderID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	resp := orderResponse{Order: order}
	if order.Status == domain.OrderStatusPending {
		resp.PaymentURI = h.orders.PaymentURI(order)
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// FulfillItem marks one line item fulfilled.
// POST /orders/{orderID}/items/{itemID}/fulfill
func (h *OrderHandler) FulfillItem(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	itemID, err := pathID(r, "itemID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	order, err := h.orders.MarkItemFulfilled(r.Context(), orderID, itemID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, orderResponse{Order: order})
}

// SettleOrder settles a paid order.
// POST /orders/{orderID}/settle
func (h *OrderHandler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	settlements, err := h.ledger.SettleOrder(r.Context(), orderID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":    orderID,
		"settlements": settlements,
	})
}

// CreateQuoteRequest represents the request body for a standalone quote.
type CreateQuoteRequest struct {
	FiatAmount decimal.Decimal `json:"fiat_amount"`
}

// CreateQuote quotes a fiat amount and allocates a receiving address.
// POST /quotes
func (h *OrderHandler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req CreateQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	if !req.FiatAmount.IsPositive() {
		h.respondWithError(w, util.ErrInvalidInput)
		return
	}
	quote, err := h.orders.CreateOrderQuote(r.Context(), req.FiatAmount)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, quote)
}
