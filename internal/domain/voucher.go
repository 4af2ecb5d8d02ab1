package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VoucherStatus enumerates voucher lifecycle states.
type VoucherStatus string

const (
	VoucherStatusActive   VoucherStatus = "ACTIVE"
	VoucherStatusInactive VoucherStatus = "INACTIVE"
	VoucherStatusExpired  VoucherStatus = "EXPIRED"
)

// Discount kinds as persisted.
const (
	DiscountKindPercentage  = "PERCENTAGE"
	DiscountKindFixedAmount = "FIXED_AMOUNT"
)

// Discount is either PercentageDiscount or FixedAmountDiscount.
type Discount interface {
	Kind() string
}

// PercentageDiscount takes Percent of the subtotal, limited to Cap when set.
type PercentageDiscount struct {
	Percent decimal.Decimal
	Cap     *int64
}

// Kind implements Discount.
func (PercentageDiscount) Kind() string { return DiscountKindPercentage }

// FixedAmountDiscount subtracts a flat amount.
type FixedAmountDiscount struct {
	Amount int64
}

// Kind implements Discount.
func (FixedAmountDiscount) Kind() string { return DiscountKindFixedAmount }

// Voucher is a redeemable discount code with optional usage and validity limits.
type Voucher struct {
	Code          string
	Name          string
	Description   string
	Discount      Discount
	MinOrderValue *int64
	Quantity      *int
	UsedCount     int
	StartDate     *time.Time
	EndDate       *time.Time
	Status        VoucherStatus
	UpdatedAt     time.Time
}

// Remaining reports the unused quantity. ok is false when the voucher has no quantity limit.
func (v Voucher) Remaining() (remaining int, ok bool) {
	if v.Quantity == nil {
		return 0, false
	}
	remaining = *v.Quantity - v.UsedCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// NormalizeVoucherCode canonicalises codes for lookup.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewDiscount rebuilds a discount from its stored representation.
func NewDiscount(kind string, value decimal.Decimal, maxDiscount *int64) (Discount, error) {
	if value.IsNegative() {
		return nil, fmt.Errorf("voucher discount value must not be negative, got %s", value.String())
	}
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case DiscountKindPercentage:
		if value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("voucher percentage must not exceed 100, got %s", value.String())
		}
		var limit *int64
		if maxDiscount != nil {
			capValue := *maxDiscount
			limit = &capValue
		}
		return PercentageDiscount{Percent: value, Cap: limit}, nil
	case DiscountKindFixedAmount:
		if !value.Equal(value.Truncate(0)) {
			return nil, fmt.Errorf("voucher fixed amount must be a whole number, got %s", value.String())
		}
		return FixedAmountDiscount{Amount: value.IntPart()}, nil
	default:
		return nil, fmt.Errorf("unknown voucher discount type %q", kind)
	}
}

// DiscountFields flattens a discount into its stored representation.
func DiscountFields(d Discount) (kind string, value decimal.Decimal, maxDiscount *int64) {
	switch typed := d.(type) {
	case PercentageDiscount:
		return DiscountKindPercentage, typed.Percent, typed.Cap
	case FixedAmountDiscount:
		return DiscountKindFixedAmount, decimal.NewFromInt(typed.Amount), nil
	default:
		return "", decimal.Zero, nil
	}
}
