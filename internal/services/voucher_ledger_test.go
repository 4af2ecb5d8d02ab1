package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
	"github.com/bookstore/payments/internal/repositories/memory"
)

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func percentVoucher(code string, percent int64, limit *int64) domain.Voucher {
	return domain.Voucher{
		Code:     code,
		Status:   domain.VoucherStatusActive,
		Discount: domain.PercentageDiscount{Percent: decimal.NewFromInt(percent), Cap: limit},
	}
}

func newTestLedger(t *testing.T, vouchers repositories.VoucherRepository, now time.Time) VoucherLedger {
	t.Helper()
	ledger, err := NewVoucherLedger(VoucherLedgerDeps{
		Vouchers: vouchers,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestVoucherLedgerComputeDiscount(t *testing.T) {
	ledger := newTestLedger(t, memory.NewVoucherStore(), time.Now())

	cases := []struct {
		name     string
		voucher  domain.Voucher
		subtotal int64
		want     int64
	}{
		{
			name:     "percentage capped",
			voucher:  percentVoucher("P10", 10, int64Ptr(50000)),
			subtotal: 600000,
			want:     50000,
		},
		{
			name:     "percentage under cap",
			voucher:  percentVoucher("P10", 10, int64Ptr(50000)),
			subtotal: 300000,
			want:     30000,
		},
		{
			name: "percentage floors fractional amounts",
			voucher: domain.Voucher{Discount: domain.PercentageDiscount{
				Percent: decimal.RequireFromString("12.5"),
			}},
			subtotal: 99999,
			want:     12499,
		},
		{
			name:     "fixed amount larger than subtotal",
			voucher:  domain.Voucher{Discount: domain.FixedAmountDiscount{Amount: 100000}},
			subtotal: 80000,
			want:     80000,
		},
		{
			name:     "fixed amount",
			voucher:  domain.Voucher{Discount: domain.FixedAmountDiscount{Amount: 20000}},
			subtotal: 80000,
			want:     20000,
		},
		{
			name:     "zero subtotal",
			voucher:  percentVoucher("P10", 10, nil),
			subtotal: 0,
			want:     0,
		},
		{
			name:     "missing discount",
			voucher:  domain.Voucher{},
			subtotal: 1000,
			want:     0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ledger.ComputeDiscount(tc.voucher, tc.subtotal)
			if got != tc.want {
				t.Fatalf("expected discount %d, got %d", tc.want, got)
			}
			if got < 0 || got > tc.subtotal && tc.subtotal > 0 {
				t.Fatalf("discount %d outside [0, %d]", got, tc.subtotal)
			}
		})
	}
}

func TestVoucherLedgerIsValid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, memory.NewVoucherStore(), now)

	base := percentVoucher("V", 10, nil)
	cases := []struct {
		name   string
		mutate func(v *domain.Voucher)
		want   bool
	}{
		{name: "active without limits", mutate: func(*domain.Voucher) {}, want: true},
		{name: "inactive", mutate: func(v *domain.Voucher) { v.Status = domain.VoucherStatusInactive }, want: false},
		{name: "expired status", mutate: func(v *domain.Voucher) { v.Status = domain.VoucherStatusExpired }, want: false},
		{name: "not started", mutate: func(v *domain.Voucher) { v.StartDate = timePtr(now.Add(time.Hour)) }, want: false},
		{name: "starts now", mutate: func(v *domain.Voucher) { v.StartDate = timePtr(now) }, want: true},
		{name: "ended", mutate: func(v *domain.Voucher) { v.EndDate = timePtr(now.Add(-time.Second)) }, want: false},
		{name: "ends now", mutate: func(v *domain.Voucher) { v.EndDate = timePtr(now) }, want: true},
		{name: "exhausted", mutate: func(v *domain.Voucher) { v.Quantity = intPtr(3); v.UsedCount = 3 }, want: false},
		{name: "one left", mutate: func(v *domain.Voucher) { v.Quantity = intPtr(3); v.UsedCount = 2 }, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := base
			tc.mutate(&v)
			if got := ledger.IsValid(v, now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestVoucherLedgerValidate(t *testing.T) {
	store := memory.NewVoucherStore()
	store.Put(percentVoucher("SALE10", 10, nil))
	ledger := newTestLedger(t, store, time.Now())

	v, found, err := ledger.Validate(context.Background(), " sale10 ")
	if err != nil || !found {
		t.Fatalf("expected voucher found, got found=%v err=%v", found, err)
	}
	if v.Code != "SALE10" {
		t.Fatalf("expected SALE10, got %s", v.Code)
	}

	_, found, err = ledger.Validate(context.Background(), "NOPE")
	if err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
}

type failingVoucherRepo struct {
	err error
}

func (r failingVoucherRepo) FindByCode(context.Context, string) (domain.Voucher, error) {
	return domain.Voucher{}, r.err
}

func (r failingVoucherRepo) UpdateUsage(context.Context, string, repositories.VoucherMutation) (domain.Voucher, error) {
	return domain.Voucher{}, r.err
}

func TestVoucherLedgerValidateStorageFailure(t *testing.T) {
	ledger := newTestLedger(t, failingVoucherRepo{err: repositories.NewUnavailable("vouchers.find", errors.New("down"))}, time.Now())

	_, found, err := ledger.Validate(context.Background(), "SALE10")
	if !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("expected ErrVoucherUnavailable, got %v", err)
	}
	if found {
		t.Fatalf("expected found=false on error")
	}
	if _, err := ledger.Apply(context.Background(), "SALE10"); !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("expected ErrVoucherUnavailable from apply, got %v", err)
	}
}

func TestVoucherLedgerApplyExpiresOnLastUse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewVoucherStore()
	v := percentVoucher("LAST", 10, nil)
	v.Quantity = intPtr(2)
	v.UsedCount = 1
	store.Put(v)
	ledger := newTestLedger(t, store, now)

	updated, err := ledger.Apply(context.Background(), "last")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.UsedCount != 2 {
		t.Fatalf("expected usedCount 2, got %d", updated.UsedCount)
	}
	if updated.Status != domain.VoucherStatusExpired {
		t.Fatalf("expected status EXPIRED, got %s", updated.Status)
	}
	if !updated.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt %v, got %v", now, updated.UpdatedAt)
	}

	if _, err := ledger.Apply(context.Background(), "LAST"); !errors.Is(err, ErrVoucherInvalid) {
		t.Fatalf("expected ErrVoucherInvalid once exhausted, got %v", err)
	}
	if _, err := ledger.Apply(context.Background(), "UNKNOWN"); !errors.Is(err, ErrVoucherInvalid) {
		t.Fatalf("expected ErrVoucherInvalid for unknown code, got %v", err)
	}
}

func TestVoucherLedgerApplyConcurrentSingleUse(t *testing.T) {
	store := memory.NewVoucherStore()
	v := percentVoucher("ONCE", 10, nil)
	v.Quantity = intPtr(1)
	store.Put(v)
	ledger := newTestLedger(t, store, time.Now())

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Apply(context.Background(), "ONCE")
			switch {
			case err == nil:
				succeeded.Add(1)
			case !errors.Is(err, ErrVoucherInvalid):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("expected exactly one successful apply, got %d", succeeded.Load())
	}
	final, err := store.FindByCode(context.Background(), "ONCE")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if final.UsedCount != 1 || final.Status != domain.VoucherStatusExpired {
		t.Fatalf("expected usedCount 1 and EXPIRED, got %d %s", final.UsedCount, final.Status)
	}
}
