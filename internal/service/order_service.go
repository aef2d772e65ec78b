// internal/service/order_service.go
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/shopspring/decimal"
)

// Quoter prices a fiat amount in the settlement currency.
type Quoter interface {
	Calculate(ctx context.Context, fiat decimal.Decimal) (domain.Quote, error)
}

// AddressDeriver maps a derivation index to a receiving address.
type AddressDeriver interface {
	Derive(index int64) (string, error)
}

// OrderLine is one requested product and quantity.
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// QuoteWithAddress is a quote bound to a freshly allocated receiving address.
type QuoteWithAddress struct {
	domain.Quote
	Address         string `json:"address"`
	DerivationIndex int64  `json:"derivation_index"`
	PaymentURI      string `json:"payment_uri"`
}

// OrderService defines order creation and lifecycle operations.
type OrderService interface {
	CreateOrder(ctx context.Context, buyerID int64, lines []OrderLine) (*domain.Order, error)
	CreateOrderQuote(ctx context.Context, fiat decimal.Decimal) (*QuoteWithAddress, error)
	GetOrderWithLazyExpiry(ctx context.Context, orderID int64) (*domain.Order, error)
	MarkItemFulfilled(ctx context.Context, orderID, itemID int64) (*domain.Order, error)
	MarkOrderFulfilled(ctx context.Context, orderID int64) (*domain.Order, error)
	PaymentURI(order *domain.Order) string
}

type orderService struct {
	dbExecutor  repository.DBExecutor
	tx          TxFuncs
	orderRepo   repository.OrderRepository
	productRepo repository.ProductRepository
	quoter      Quoter
	deriver     AddressDeriver
	sweeper     *ExpirationSweeper
	events      events.Publisher
	uriScheme   string
	now         func() time.Time
	logger      *slog.Logger
}

// NewOrderService creates a new OrderService.
func NewOrderService(
	dbExecutor repository.DBExecutor,
	tx TxFuncs,
	orderRepo repository.OrderRepository,
	productRepo repository.ProductRepository,
	quoter Quoter,
	deriver AddressDeriver,
	sweeper *ExpirationSweeper,
	publisher events.Publisher,
	uriScheme string,
	logger *slog.Logger,
) OrderService {
	return &orderService{
		dbExecutor:  dbExecutor,
		tx:          tx,
		orderRepo:   orderRepo,
		productRepo: productRepo,
		quoter:      quoter,
		deriver:     deriver,
		sweeper:     sweeper,
		events:      publisher,
		uriScheme:   uriScheme,
		now:         time.Now,
		logger:      logger.With("component", "orders"),
	}
}

func (s *orderService) PaymentURI(order *domain.Order) string {
	return order.PaymentURI(s.uriScheme)
}

// CreateOrder prices the lines, reserves stock and assigns a fresh receiving
// address. The quote is frozen onto the order.
func (s *orderService) CreateOrder(ctx context.Context, buyerID int64, lines []OrderLine) (*domain.Order, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("create order: no lines: %w", util.ErrInvalidInput)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	fiatTotal := decimal.Zero
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("create order: quantity %d for product %d: %w", line.Quantity, line.ProductID, util.ErrInvalidInput)
		}
		product, err := s.productRepo.GetProductByID(ctx, s.dbExecutor, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("create order: product %d: %w", line.ProductID, err)
		}
		item := domain.OrderItem{
			ProductID: product.ID,
			VendorID:  product.VendorID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		}
		items = append(items, item)
		fiatTotal = fiatTotal.Add(item.Subtotal())
	}

	quote, err := s.quoter.Calculate(ctx, fiatTotal)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	var order *domain.Order
	err = s.tx.run(ctx, "create order", func(q repository.DBExecutor) error {
		for _, item := range items {
			if err := s.productRepo.AdjustStock(ctx, q, item.ProductID, -item.Quantity); err != nil {
				return fmt.Errorf("create order: reserve product %d: %w", item.ProductID, err)
			}
		}

		index, err := s.orderRepo.NextDerivationIndex(ctx, q)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		address, err := s.deriver.Derive(index)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		order = domain.NewOrder(buyerID, items, quote, address, index)
		if err := s.orderRepo.CreateOrder(ctx, q, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order created",
		"order_id", order.ID, "buyer_id", buyerID, "fiat_amount", order.FiatAmount,
		"coin_amount", order.CoinAmount, "derivation_index", order.DerivationIndex)
	publish(ctx, s.events, s.logger, events.NewOrderEvent(events.EventOrderCreated, order))
	return order, nil
}

// CreateOrderQuote quotes fiat and allocates a receiving address for it. The
// derivation index is consumed even if no order is ever created.
func (s *orderService) CreateOrderQuote(ctx context.Context, fiat decimal.Decimal) (*QuoteWithAddress, error) {
	quote, err := s.quoter.Calculate(ctx, fiat)
	if err != nil {
		return nil, fmt.Errorf("create order quote: %w", err)
	}
	index, err := s.orderRepo.NextDerivationIndex(ctx, s.dbExecutor)
	if err != nil {
		return nil, fmt.Errorf("create order quote: %w", err)
	}
	address, err := s.deriver.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("create order quote: %w", err)
	}
	return &QuoteWithAddress{
		Quote:           quote,
		Address:         address,
		DerivationIndex: index,
		PaymentURI:      fmt.Sprintf("%s:%s?amount=%s", s.uriScheme, address, quote.CoinAmount.StringFixed(util.CoinDecimals)),
	}, nil
}

// GetOrderWithLazyExpiry reads an order, expiring it first if its quote lapsed
// without any payment.
func (s *orderService) GetOrderWithLazyExpiry(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.orderRepo.GetOrderByID(ctx, s.dbExecutor, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	if order.Status != domain.OrderStatusPending || !order.IsExpired(s.now().UTC()) {
		return order, nil
	}

	expired, err := s.sweeper.ExpireOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	if !expired {
		return order, nil
	}
	return s.orderRepo.GetOrderByID(ctx, s.dbExecutor, orderID)
}

// MarkItemFulfilled records a vendor's fulfilment of one line and completes
// the order once every line is fulfilled.
func (s *orderService) MarkItemFulfilled(ctx context.Context, orderID, itemID int64) (*domain.Order, error) {
	return s.fulfil(ctx, orderID, &itemID)
}

// MarkOrderFulfilled re-checks completion of a paid order.
func (s *orderService) MarkOrderFulfilled(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.fulfil(ctx, orderID, nil)
}

func (s *orderService) fulfil(ctx context.Context, orderID int64, itemID *int64) (*domain.Order, error) {
	var order *domain.Order
	completed := false
	err := s.tx.run(ctx, "fulfil order", func(q repository.DBExecutor) error {
		var err error
		order, err = s.orderRepo.LockOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("fulfil order: failed to lock order %d: %w", orderID, err)
		}
		if !order.Status.IsPaid() {
			return fmt.Errorf("fulfil order %d in status %s: %w", orderID, order.Status, util.ErrInvalidOrderState)
		}

		if itemID != nil {
			idx := -1
			for i := range order.Items {
				if order.Items[i].ID == *itemID {
					idx = i
				}
			}
			if idx < 0 {
				return fmt.Errorf("fulfil order %d: item %d: %w", orderID, *itemID, util.ErrNotFound)
			}
			if order.Items[idx].FulfilledAt == nil {
				at := s.now().UTC()
				if _, err := s.orderRepo.MarkItemFulfilled(ctx, q, orderID, *itemID, at); err != nil {
					return fmt.Errorf("fulfil order: %w", err)
				}
				order.Items[idx].FulfilledAt = &at
			}
		}

		if order.Status != domain.OrderStatusPaid || !order.AllItemsFulfilled() {
			return nil
		}
		if !order.Status.CanTransitionTo(domain.OrderStatusCompleted) {
			return nil
		}
		ok, err := s.orderRepo.UpdateOrderStatus(ctx, q, orderID, domain.OrderStatusPaid, domain.OrderStatusCompleted)
		if err != nil {
			return fmt.Errorf("fulfil order: %w", err)
		}
		if ok {
			order.Status = domain.OrderStatusCompleted
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		s.logger.Info("Order completed", "order_id", orderID)
		publish(ctx, s.events, s.logger, events.NewOrderEvent(events.EventOrderCompleted, order))
	}
	return order, nil
}
