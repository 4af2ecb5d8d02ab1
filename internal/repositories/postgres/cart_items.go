package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

type CartItemRepository struct {
	db *sql.DB
}

var _ repositories.CartItemRepository = (*CartItemRepository)(nil)

// Put upserts items. Used for seeding and tests.
func (r *CartItemRepository) Put(ctx context.Context, items ...domain.CartItem) error {
	const query = `INSERT INTO cart_items (id, payer_id, book_variant_id, title, quantity, unit_price, updated_at)
	               VALUES ($1, $2, $3, $4, $5, $6, NOW())
	               ON CONFLICT (id) DO UPDATE SET payer_id = EXCLUDED.payer_id, book_variant_id = EXCLUDED.book_variant_id,
	               title = EXCLUDED.title, quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price, updated_at = NOW()`
	for _, item := range items {
		if _, err := r.db.ExecContext(ctx, query, item.ID, item.PayerID, item.BookVariantID, item.Title, item.Quantity, item.UnitPrice); err != nil {
			return wrap("cart_items.put", err)
		}
	}
	return nil
}

func (r *CartItemRepository) FindByIDs(ctx context.Context, ids []string) ([]domain.CartItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT id, payer_id, book_variant_id, title, quantity, unit_price, updated_at
	               FROM cart_items WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, wrap("cart_items.find", err)
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.PayerID, &item.BookVariantID, &item.Title, &item.Quantity, &item.UnitPrice, &item.UpdatedAt); err != nil {
			return nil, wrap("cart_items.scan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("cart_items.find", err)
	}
	return items, nil
}

func (r *CartItemRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = ANY($1)`, pq.Array(ids))
	return wrap("cart_items.delete", err)
}
