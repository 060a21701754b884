// Package catalog is the source of truth for product listings.
package catalog

import "context"

// TimestampLayout is how created_at is rendered by the database (fraction optional).
const TimestampLayout = "2006-01-02 15:04:05.999999"

// Product is one listing row as served by GET /products.
type Product struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	// CreatedAt is the ordering value, kept as the database renders it (TimestampLayout)
	// so cursors round-trip it byte for byte.
	CreatedAt string `json:"created_at"`
	Farmer    string `json:"farmer"`
}

// Position is a point in the (created_at DESC, id DESC) ordering.
type Position struct {
	CreatedAt string
	ID        int64
}

// Before reports whether p sorts strictly after pos in a descending scan, i.e. whether a
// page resuming at pos should include p.
func (p Product) Before(pos Position) bool {
	if p.CreatedAt != pos.CreatedAt {
		return p.CreatedAt < pos.CreatedAt
	}
	return p.ID < pos.ID
}

// Position returns the product's place in the ordering.
func (p Product) Position() Position {
	return Position{CreatedAt: p.CreatedAt, ID: p.ID}
}

// Source lists products ordered by created_at DESC, id DESC.
type Source interface {
	// ListProducts returns at most n products strictly after the given position
	// (all products from the newest when after is nil).
	ListProducts(ctx context.Context, after *Position, n int) ([]Product, error)
}
