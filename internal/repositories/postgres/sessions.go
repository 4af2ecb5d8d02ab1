package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

const sessionColumns = `payment_key, cart_item_ids, lines, voucher_code, payer_id, shipping_address, phone_number,
	subtotal, discount, total, created_at, expires_at`

type lineRow struct {
	CartItemID    string `json:"cartItemId"`
	BookVariantID string `json:"bookVariantId"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"`
}

type PaymentSessionRepository struct {
	db *sql.DB
}

var _ repositories.PaymentSessionRepository = (*PaymentSessionRepository)(nil)

func (r *PaymentSessionRepository) Insert(ctx context.Context, s domain.PaymentSession) error {
	rows := make([]lineRow, 0, len(s.Lines))
	for _, line := range s.Lines {
		rows = append(rows, lineRow(line))
	}
	lines, err := json.Marshal(rows)
	if err != nil {
		return repositories.Wrap("sessions.insert", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.PaymentKey, pq.Array(s.CartItemIDs), lines, s.VoucherCode, s.PayerID, s.ShippingAddress, s.PhoneNumber,
		s.Quote.Subtotal, s.Quote.Discount, s.Quote.Total, s.CreatedAt.UTC(), s.ExpiresAt.UTC(),
	)
	return wrap("sessions.insert", err)
}

func (r *PaymentSessionRepository) Get(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE payment_key = $1`, paymentKey)
	session, err := scanSession(row)
	if err != nil {
		return domain.PaymentSession{}, wrap("sessions.get", err)
	}
	return session, nil
}

// Take relies on DELETE ... RETURNING: only the statement that actually removed the row sees it.
func (r *PaymentSessionRepository) Take(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx, `DELETE FROM payment_sessions WHERE payment_key = $1 RETURNING `+sessionColumns, paymentKey)
	session, err := scanSession(row)
	if err != nil {
		return domain.PaymentSession{}, wrap("sessions.take", err)
	}
	return session, nil
}

func (r *PaymentSessionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM payment_sessions WHERE payment_key IN (
		SELECT payment_key FROM payment_sessions WHERE expires_at <= $1
		ORDER BY expires_at LIMIT $2 FOR UPDATE SKIP LOCKED)`, now.UTC(), limit)
	if err != nil {
		return 0, wrap("sessions.delete_expired", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrap("sessions.delete_expired", err)
	}
	return int(affected), nil
}

func scanSession(row *sql.Row) (domain.PaymentSession, error) {
	var s domain.PaymentSession
	var ids pq.StringArray
	var lines []byte
	if err := row.Scan(&s.PaymentKey, &ids, &lines, &s.VoucherCode, &s.PayerID, &s.ShippingAddress, &s.PhoneNumber,
		&s.Quote.Subtotal, &s.Quote.Discount, &s.Quote.Total, &s.CreatedAt, &s.ExpiresAt); err != nil {
		return domain.PaymentSession{}, err
	}
	s.CartItemIDs = []string(ids)
	var rows []lineRow
	if err := json.Unmarshal(lines, &rows); err != nil {
		return domain.PaymentSession{}, err
	}
	for _, line := range rows {
		s.Lines = append(s.Lines, domain.SessionLine(line))
	}
	return s, nil
}
