// internal/api/router.go
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coinsettle/internal/api/handler"
)

// NewRouter sets up and returns a new HTTP router.
func NewRouter(orderHandler *handler.OrderHandler, accountHandler *handler.AccountHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(handler.DefaultTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", orderHandler.CreateOrder)
		r.Get("/{orderID}", orderHandler.GetOrder)
		r.Post("/{orderID}/items/{itemID}/fulfill", orderHandler.FulfillItem)
		r.Post("/{orderID}/settle", orderHandler.SettleOrder)
	})
	r.Post("/quotes", orderHandler.CreateQuote)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/balances", accountHandler.GetBalances)
		r.Get("/transactions", accountHandler.GetTransactionHistory)
		r.Post("/withdrawals", accountHandler.RequestWithdrawal)
	})

	// Payouts spend pooled funds and stay an operator endpoint.
	r.Post("/payouts", accountHandler.ExecutePayout)

	logger.Debug("HTTP routes registered")
	return r
}
