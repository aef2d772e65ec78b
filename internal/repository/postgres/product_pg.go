// internal/repository/postgres/product_pg.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinsettle/internal/domain"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/jmoiron/sqlx"
)

// ProductRepository implements repository.ProductRepository for PostgreSQL.
type ProductRepository struct{}

// NewProductRepository creates a new ProductRepository.
func NewProductRepository(db *sqlx.DB) repository.ProductRepository {
	return &ProductRepository{}
}

// GetProductByID retrieves a product by its ID.
func (r *ProductRepository) GetProductByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Product, error) {
	var product domain.Product
	query := `SELECT id, vendor_id, name, price, stock FROM products WHERE id = $1`
	if err := q.GetContext(ctx, &product, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product by ID %d: %w", id, err)
	}
	return &product, nil
}

// AdjustStock increments (or, with a negative delta, decrements) stock in place.
func (r *ProductRepository) AdjustStock(ctx context.Context, q repository.DBExecutor, productID int64, delta int) error {
	query := `UPDATE products SET stock = stock + $1 WHERE id = $2 AND stock + $1 >= 0`
	result, err := q.ExecContext(ctx, query, delta, productID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock for product %d: %w", productID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for product %d: %w", productID, err)
	}
	if rowsAffected == 0 {
		if _, err := r.GetProductByID(ctx, q, productID); err != nil {
			return err
		}
		return util.ErrOutOfStock
	}
	return nil
}
