package postgres

import (
	"context"
	"database/sql"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

const orderColumns = `id, payer_id, payment_key, shipping_address, phone_number, status, payment_type, voucher_code,
	subtotal, discount, total, transaction_no, bank_code, paid_at, created_at`

type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Create inserts the order and its details in one transaction. The unique index on payment_key
// turns a second settlement of the same payment into a conflict.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var paidAt sql.NullTime
		if !order.PaidAt.IsZero() {
			paidAt = sql.NullTime{Time: order.PaidAt.UTC(), Valid: true}
		}
		var paymentKey sql.NullString
		if order.PaymentKey != "" {
			paymentKey = sql.NullString{String: order.PaymentKey, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			order.ID, order.PayerID, paymentKey, order.ShippingAddress, order.PhoneNumber,
			string(order.Status), string(order.PaymentType), order.VoucherCode,
			order.Subtotal, order.Discount, order.Total, order.TransactionNo, order.BankCode,
			paidAt, order.CreatedAt.UTC(),
		); err != nil {
			return err
		}
		for _, d := range order.Details {
			if _, err := tx.ExecContext(ctx, `INSERT INTO order_details (order_id, book_variant_id, quantity, unit_price_purchased)
				VALUES ($1, $2, $3, $4)`, order.ID, d.BookVariantID, d.Quantity, d.UnitPricePurchased); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("orders.create", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *OrderRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_payment", `SELECT `+orderColumns+` FROM orders WHERE payment_key = $1`, paymentKey)
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, arg string) (domain.Order, error) {
	var (
		order               domain.Order
		paymentKey          sql.NullString
		status, paymentType string
		paidAt              sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&order.ID, &order.PayerID, &paymentKey, &order.ShippingAddress, &order.PhoneNumber,
		&status, &paymentType, &order.VoucherCode, &order.Subtotal, &order.Discount, &order.Total,
		&order.TransactionNo, &order.BankCode, &paidAt, &order.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, wrap(op, err)
	}
	order.PaymentKey = paymentKey.String
	order.Status = domain.OrderStatus(status)
	order.PaymentType = domain.PaymentType(paymentType)
	if paidAt.Valid {
		order.PaidAt = paidAt.Time
	}

	rows, err := r.db.QueryContext(ctx, `SELECT book_variant_id, quantity, unit_price_purchased
		FROM order_details WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return domain.Order{}, wrap(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		detail := domain.OrderDetail{OrderID: order.ID}
		if err := rows.Scan(&detail.BookVariantID, &detail.Quantity, &detail.UnitPricePurchased); err != nil {
			return domain.Order{}, wrap(op, err)
		}
		order.Details = append(order.Details, detail)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, wrap(op, err)
	}
	return order, nil
}
