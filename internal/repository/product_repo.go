// internal/repository/product_repo.go
package repository

import (
	"context"

	"coinsettle/internal/domain"
)

// ProductRepository defines the interface for product and stock operations.
type ProductRepository interface {
	GetProductByID(ctx context.Context, q DBExecutor, id int64) (*domain.Product, error)
	// AdjustStock adds delta to the product's stock. A negative delta that
	// would drive stock below zero fails with util.ErrOutOfStock.
	AdjustStock(ctx context.Context, q DBExecutor, productID int64, delta int) error
}
