package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CatalogRepo is the Postgres Catalog Store.
type CatalogRepo struct{ DB DB }

const productColumns = `id, sku, name, stock, price_cents, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// LockProduct takes the row lock (FOR UPDATE) so no other transaction can change
// the stock between this read and the caller's AdjustStock.
func (r *CatalogRepo) LockProduct(ctx context.Context, tx Tx, id string) (Product, error) {
	t, err := pgTx(tx)
	if err != nil {
		return Product{}, err
	}
	p, err := scanProduct(t.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, storageErr("lock product", err)
	}
	return p, nil
}

// AdjustStock applies delta with a floor check in the same statement; no row back means
// the result would have gone negative.
func (r *CatalogRepo) AdjustStock(ctx context.Context, tx Tx, id string, delta int) (int, error) {
	t, err := pgTx(tx)
	if err != nil {
		return 0, err
	}
	var stock int
	err = t.QueryRow(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id=$1 AND stock + $2 >= 0
		RETURNING stock`, id, delta).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: product %s", ErrInsufficientStock, id)
	}
	if err != nil {
		return 0, storageErr("adjust stock", err)
	}
	return stock, nil
}

func (r *CatalogRepo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, storageErr("list products", err)
	}
	defer rows.Close()

	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storageErr("list products", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list products", err)
	}
	return out, nil
}
