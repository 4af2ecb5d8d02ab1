package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

var (
	// ErrVoucherInvalid indicates the voucher is unknown, inactive, outside its window or exhausted.
	ErrVoucherInvalid = errors.New("voucher: invalid")
	// ErrVoucherUnavailable indicates the voucher store could not be reached.
	ErrVoucherUnavailable = errors.New("voucher: unavailable")
)

var hundred = decimal.NewFromInt(100)

// VoucherLedgerDeps wires the voucher ledger.
type VoucherLedgerDeps struct {
	Vouchers repositories.VoucherRepository
	Clock    func() time.Time
}

type voucherLedger struct {
	vouchers repositories.VoucherRepository
	now      func() time.Time
}

// NewVoucherLedger constructs a VoucherLedger.
func NewVoucherLedger(deps VoucherLedgerDeps) (VoucherLedger, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher ledger: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &voucherLedger{
		vouchers: deps.Vouchers,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (l *voucherLedger) Validate(ctx context.Context, code string) (Voucher, bool, error) {
	code = domain.NormalizeVoucherCode(code)
	if code == "" {
		return Voucher{}, false, nil
	}
	voucher, err := l.vouchers.FindByCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Voucher{}, false, nil
		}
		return Voucher{}, false, fmt.Errorf("%w: %v", ErrVoucherUnavailable, err)
	}
	return voucher, true, nil
}

func (l *voucherLedger) IsValid(voucher Voucher, now time.Time) bool {
	if voucher.Status != domain.VoucherStatusActive {
		return false
	}
	if voucher.StartDate != nil && now.Before(*voucher.StartDate) {
		return false
	}
	if voucher.EndDate != nil && now.After(*voucher.EndDate) {
		return false
	}
	if remaining, limited := voucher.Remaining(); limited && remaining <= 0 {
		return false
	}
	return true
}

// ComputeDiscount prices the voucher against subtotal. The result always lies in [0, subtotal].
func (l *voucherLedger) ComputeDiscount(voucher Voucher, subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var amount int64
	switch d := voucher.Discount.(type) {
	case domain.PercentageDiscount:
		amount = decimal.NewFromInt(subtotal).Mul(d.Percent).Div(hundred).Floor().IntPart()
		if d.Cap != nil && amount > *d.Cap {
			amount = *d.Cap
		}
	case domain.FixedAmountDiscount:
		amount = d.Amount
	default:
		return 0
	}
	if amount < 0 {
		return 0
	}
	if amount > subtotal {
		return subtotal
	}
	return amount
}

// Apply consumes one use of the voucher in a single serialised update.
func (l *voucherLedger) Apply(ctx context.Context, code string) (Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	if code == "" {
		return Voucher{}, ErrVoucherInvalid
	}
	updated, err := l.vouchers.UpdateUsage(ctx, code, func(current domain.Voucher) (domain.Voucher, error) {
		now := l.now()
		if !l.IsValid(current, now) {
			return domain.Voucher{}, ErrVoucherInvalid
		}
		current.UsedCount++
		if remaining, limited := current.Remaining(); limited && remaining <= 0 {
			current.Status = domain.VoucherStatusExpired
		}
		current.UpdatedAt = now
		return current, nil
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, ErrVoucherInvalid), repositories.IsNotFound(err):
		return Voucher{}, ErrVoucherInvalid
	default:
		return Voucher{}, fmt.Errorf("%w: %v", ErrVoucherUnavailable, err)
	}
}
