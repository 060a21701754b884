package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const listProductsQuery = `
SELECT p.id, p.name, p.price, p.quantity, p.created_at, u.email AS farmer
FROM products p
JOIN users u ON u.id = p.farmer_id
%s
ORDER BY p.created_at DESC, p.id DESC
LIMIT ?`

const afterPositionClause = `WHERE (p.created_at < ? OR (p.created_at = ? AND p.id < ?))`

// MySQLSource reads products from the relational store.
type MySQLSource struct {
	db *sql.DB
}

func NewMySQLSource(db *sql.DB) *MySQLSource {
	return &MySQLSource{db: db}
}

// OpenMySQL opens a pool for dsn. created_at is scanned as text, so parseTime stays off.
func OpenMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = false
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (s *MySQLSource) ListProducts(ctx context.Context, after *Position, n int) ([]Product, error) {
	where := ""
	args := make([]any, 0, 4)
	if after != nil {
		where = afterPositionClause
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(listProductsQuery, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	out := make([]Product, 0, n)
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.CreatedAt, &p.Farmer); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}
