// internal/api/handler/response.go
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"coinsettle/internal/util"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

// responder carries the JSON helpers shared by all handlers.
type responder struct {
	logger *slog.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func (h responder) respondWithError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case util.IsError(err, util.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		message = err.Error()
	case util.IsError(err, util.ErrNotFound), util.IsError(err, util.ErrWalletNotFound):
		statusCode = http.StatusNotFound
		message = "Resource not found"
	case util.IsError(err, util.ErrInsufficientFunds):
		statusCode = http.StatusPaymentRequired
		message = "Insufficient funds"
	case util.IsError(err, util.ErrInvalidUnlockAmount):
		statusCode = http.StatusConflict
		message = "Unlock amount exceeds locked balance"
	case util.IsError(err, util.ErrOutOfStock):
		statusCode = http.StatusConflict
		message = "Product out of stock"
	case util.IsError(err, util.ErrAlreadySettled):
		statusCode = http.StatusConflict
		message = "Order already settled"
	case util.IsError(err, util.ErrInvalidOrderState):
		statusCode = http.StatusConflict
		message = err.Error()
	case util.IsError(err, util.ErrRateUnavailable):
		statusCode = http.StatusServiceUnavailable
		message = "Exchange rate unavailable"
	case util.IsError(err, util.ErrInsufficientPoolFunds):
		statusCode = http.StatusConflict
		message = "Insufficient pooled funds"
	case util.IsError(err, util.ErrBroadcastFailure), util.IsError(err, util.ErrProvidersExhausted):
		statusCode = http.StatusBadGateway
		message = "Chain backend unavailable"
		h.logger.Error("Chain operation failed", "error", err)
	default:
		h.logger.Error("Unhandled service error", "error", err)
	}

	h.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return util.ErrInvalidInput
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, util.ErrInvalidInput
	}
	return id, nil
}
