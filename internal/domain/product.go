// internal/domain/product.go
package domain

import "github.com/shopspring/decimal"

// Product is a vendor listing whose stock is reserved by orders.
type Product struct {
	ID       int64           `db:"id" json:"id"`
	VendorID int64           `db:"vendor_id" json:"vendor_id"`
	Name     string          `db:"name" json:"name"`
	Price    decimal.Decimal `db:"price" json:"price"`
	Stock    int             `db:"stock" json:"stock"`
}
