// internal/service/order_service_test.go
package service

import (
	"context"
	"testing"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog(h *harness) {
	h.store.seedProduct(domain.Product{ID: 100, VendorID: testVendorA, Name: "lamp", Price: dec("100"), Stock: 5})
	h.store.seedProduct(domain.Product{ID: 200, VendorID: testVendorB, Name: "rug", Price: dec("100"), Stock: 1})
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	quoter := fixedQuoter{rate: dec("500"), validity: 15 * time.Minute}

	t.Run("QuotesReservesAndDerives", func(t *testing.T) {
		h := newHarness()
		seedCatalog(h)
		orders := h.orderService(quoter)

		order, err := orders.CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 100, Quantity: 2}, {ProductID: 200, Quantity: 1}})
		require.NoError(t, err)

		assert.Equal(t, domain.OrderStatusPending, order.Status)
		assert.True(t, order.FiatAmount.Equal(dec("300")))
		assert.Equal(t, "0.60000000", order.CoinAmount.StringFixed(8))
		assert.True(t, order.ExchangeRate.Equal(dec("500")))
		assert.Equal(t, "addr-0", order.ReceivingAddress)
		assert.Equal(t, "bitcoin:addr-0?amount=0.60000000", orders.PaymentURI(order))
		require.Len(t, order.Items, 2)
		assert.Equal(t, testVendorB, order.Items[1].VendorID)

		assert.Equal(t, 3, h.store.product(100).Stock)
		assert.Equal(t, 0, h.store.product(200).Stock)
		assert.Equal(t, []events.EventType{events.EventOrderCreated}, h.publisher.types())

		second, err := orders.CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 100, Quantity: 1}})
		require.NoError(t, err)
		assert.Equal(t, "addr-1", second.ReceivingAddress)
		assert.NotEqual(t, order.DerivationIndex, second.DerivationIndex)
	})

	t.Run("OutOfStockRollsBack", func(t *testing.T) {
		h := newHarness()
		seedCatalog(h)
		_, err := h.orderService(quoter).CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 100, Quantity: 1}, {ProductID: 200, Quantity: 2}})
		assert.ErrorIs(t, err, util.ErrOutOfStock)
		assert.Equal(t, 5, h.store.product(100).Stock)
		assert.Empty(t, h.publisher.types())
	})

	t.Run("RateUnavailable", func(t *testing.T) {
		h := newHarness()
		seedCatalog(h)
		_, err := h.orderService(fixedQuoter{err: util.ErrRateUnavailable}).CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 100, Quantity: 1}})
		assert.ErrorIs(t, err, util.ErrRateUnavailable)
		assert.Equal(t, 5, h.store.product(100).Stock)
	})

	t.Run("InvalidLines", func(t *testing.T) {
		h := newHarness()
		seedCatalog(h)
		orders := h.orderService(quoter)

		_, err := orders.CreateOrder(ctx, testBuyer, nil)
		assert.ErrorIs(t, err, util.ErrInvalidInput)
		_, err = orders.CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 100, Quantity: 0}})
		assert.ErrorIs(t, err, util.ErrInvalidInput)
		_, err = orders.CreateOrder(ctx, testBuyer, []OrderLine{{ProductID: 404, Quantity: 1}})
		assert.ErrorIs(t, err, util.ErrNotFound)
	})
}

func TestCreateOrderQuote(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	orders := h.orderService(fixedQuoter{rate: dec("500"), validity: time.Minute})

	quote, err := orders.CreateOrderQuote(ctx, dec("300"))
	require.NoError(t, err)
	assert.Equal(t, "0.60000000", quote.CoinAmount.StringFixed(8))
	assert.Equal(t, "addr-0", quote.Address)
	assert.Equal(t, int64(0), quote.DerivationIndex)
	assert.Equal(t, "bitcoin:addr-0?amount=0.60000000", quote.PaymentURI)

	next, err := orders.CreateOrderQuote(ctx, dec("1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.DerivationIndex)
}

func TestGetOrderWithLazyExpiry(t *testing.T) {
	ctx := context.Background()
	quoter := fixedQuoter{rate: dec("500"), validity: time.Minute}

	t.Run("ExpiresOnRead", func(t *testing.T) {
		h := newHarness()
		seedCatalog(h)
		order := h.pendingOrder("0.6", -time.Minute)

		got, err := h.orderService(quoter).GetOrderWithLazyExpiry(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusExpired, got.Status)
		assert.Equal(t, 7, h.store.product(100).Stock)
		assert.Equal(t, 2, h.store.product(200).Stock)
	})

	t.Run("FreshOrderUntouched", func(t *testing.T) {
		h := newHarness()
		order := h.pendingOrder("0.6", time.Hour)

		got, err := h.orderService(quoter).GetOrderWithLazyExpiry(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, got.Status)
	})

	t.Run("Missing", func(t *testing.T) {
		h := newHarness()
		_, err := h.orderService(quoter).GetOrderWithLazyExpiry(ctx, 404)
		assert.ErrorIs(t, err, util.ErrNotFound)
	})
}

func TestFulfilment(t *testing.T) {
	ctx := context.Background()
	quoter := fixedQuoter{rate: dec("500"), validity: time.Minute}

	t.Run("CompletesWhenAllItemsFulfilled", func(t *testing.T) {
		h := newHarness()
		orders := h.orderService(quoter)
		order := h.paidOrder("0.6", "h1")

		got, err := orders.MarkItemFulfilled(ctx, order.ID, order.Items[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, got.Status)
		assert.NotNil(t, got.Items[0].FulfilledAt)

		got, err = orders.MarkItemFulfilled(ctx, order.ID, order.Items[1].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCompleted, got.Status)
		assert.Equal(t, domain.OrderStatusCompleted, h.store.order(order.ID).Status)
		assert.Contains(t, h.publisher.types(), events.EventOrderCompleted)

		// Completed orders accept repeated fulfilment calls without changes.
		got, err = orders.MarkOrderFulfilled(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCompleted, got.Status)
	})

	t.Run("MarkOrderFulfilledWithOpenItems", func(t *testing.T) {
		h := newHarness()
		order := h.paidOrder("0.6", "h1")
		got, err := h.orderService(quoter).MarkOrderFulfilled(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, got.Status)
	})

	t.Run("UnpaidOrder", func(t *testing.T) {
		h := newHarness()
		order := h.pendingOrder("0.6", time.Hour)
		_, err := h.orderService(quoter).MarkItemFulfilled(ctx, order.ID, order.Items[0].ID)
		assert.ErrorIs(t, err, util.ErrInvalidOrderState)
	})

	t.Run("ForeignItem", func(t *testing.T) {
		h := newHarness()
		order := h.paidOrder("0.6", "h1")
		_, err := h.orderService(quoter).MarkItemFulfilled(ctx, order.ID, 9999)
		assert.ErrorIs(t, err, util.ErrNotFound)
	})
}
