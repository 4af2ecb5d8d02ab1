package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

const voucherColumns = `code, name, description, discount_type, discount_value, max_discount, min_order_value,
	quantity, used_count, start_date, end_date, status, updated_at`

type VoucherRepository struct {
	db *sql.DB
}

var _ repositories.VoucherRepository = (*VoucherRepository)(nil)

// Put upserts a voucher. Used for seeding and tests.
func (r *VoucherRepository) Put(ctx context.Context, v domain.Voucher) error {
	return wrap("vouchers.put", upsertVoucher(ctx, r.db, domain.NormalizeVoucherCode(v.Code), v))
}

func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	row := r.db.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1`, code)
	v, err := scanVoucher(row)
	if err != nil {
		return domain.Voucher{}, wrap("vouchers.find", err)
	}
	return v, nil
}

// UpdateUsage locks the row with SELECT ... FOR UPDATE so concurrent appliers queue behind each other.
func (r *VoucherRepository) UpdateUsage(ctx context.Context, code string, fn repositories.VoucherMutation) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	var updated domain.Voucher
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1 FOR UPDATE`, code)
		current, err := scanVoucher(row)
		if err != nil {
			return wrap("vouchers.update_usage", err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.Code = code
		if err := upsertVoucher(ctx, tx, code, next); err != nil {
			return wrap("vouchers.update_usage", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Voucher{}, wrap("vouchers.update_usage", err)
	}
	return updated, nil
}

func upsertVoucher(ctx context.Context, q queryer, code string, v domain.Voucher) error {
	kind, value, maxDiscount := domain.DiscountFields(v.Discount)
	var quantity sql.NullInt64
	if v.Quantity != nil {
		quantity = sql.NullInt64{Int64: int64(*v.Quantity), Valid: true}
	}
	updatedAt := v.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO vouchers (`+voucherColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
		discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
		max_discount = EXCLUDED.max_discount, min_order_value = EXCLUDED.min_order_value,
		quantity = EXCLUDED.quantity, used_count = EXCLUDED.used_count, start_date = EXCLUDED.start_date,
		end_date = EXCLUDED.end_date, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		code, v.Name, v.Description, kind, value, nullInt64(maxDiscount), nullInt64(v.MinOrderValue),
		quantity, v.UsedCount, nullTime(v.StartDate), nullTime(v.EndDate), string(v.Status), updatedAt,
	)
	return err
}

func scanVoucher(row *sql.Row) (domain.Voucher, error) {
	var (
		v                               domain.Voucher
		kind, status                    string
		value                           decimal.Decimal
		maxDiscount, minOrderValue, qty sql.NullInt64
		startDate, endDate              sql.NullTime
	)
	if err := row.Scan(&v.Code, &v.Name, &v.Description, &kind, &value, &maxDiscount, &minOrderValue,
		&qty, &v.UsedCount, &startDate, &endDate, &status, &v.UpdatedAt); err != nil {
		return domain.Voucher{}, err
	}
	discount, err := domain.NewDiscount(kind, value, int64Ptr(maxDiscount))
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("voucher %s: %w", v.Code, err)
	}
	v.Discount = discount
	v.MinOrderValue = int64Ptr(minOrderValue)
	if qty.Valid {
		n := int(qty.Int64)
		v.Quantity = &n
	}
	v.StartDate = timePtr(startDate)
	v.EndDate = timePtr(endDate)
	v.Status = domain.VoucherStatus(status)
	return v, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
