//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/platform/config"
	ppostgres "github.com/bookstore/payments/internal/platform/postgres"
	"github.com/bookstore/payments/internal/repositories"
)

func newTestRegistry(t *testing.T) (*Registry, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	dsn := os.Getenv("PAYMENTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAYMENTS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := ppostgres.Open(ctx, config.PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"order_details", "orders", "payment_sessions", "vouchers", "cart_items", "credentials"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	registry, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry, db
}

func TestSessionTakeHasSingleWinner(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	repo := registry.PaymentSessions()
	session := domain.PaymentSession{
		PaymentKey:  "payment_u1_01",
		CartItemIDs: []string{"c1", "c2"},
		Lines: []domain.SessionLine{
			{CartItemID: "c1", BookVariantID: "v1", Quantity: 2, UnitPrice: 30000},
			{CartItemID: "c2", BookVariantID: "v2", Quantity: 1, UnitPrice: 40000},
		},
		PayerID:         "u1",
		ShippingAddress: "1 Book St",
		PhoneNumber:     "0901234567",
		Quote:           domain.Quote{Subtotal: 100000, Discount: 10000, Total: 90000},
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
	}
	if err := repo.Insert(ctx, session); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, session); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := repo.Take(ctx, session.PaymentKey)
			if err == nil {
				winners.Add(1)
				if got.Quote.Total != 90000 || len(got.CartItemIDs) != 2 || got.LinesSubtotal() != 100000 {
					t.Errorf("unexpected session %+v", got)
				}
				return
			}
			if !repositories.IsNotFound(err) {
				t.Errorf("take: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected one winner, got %d", winners.Load())
	}

	for i, offset := range []time.Duration{-time.Hour, time.Hour} {
		s := session
		s.PaymentKey = []string{"payment_u1_old", "payment_u1_new"}[i]
		s.ExpiresAt = now.Add(offset)
		if err := repo.Insert(ctx, s); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	removed, err := repo.DeleteExpired(ctx, now, 100)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired removed, got %d (%v)", removed, err)
	}
}

func TestVoucherUpdateUsageLocksRow(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	qty := 3
	limit := int64(20000)
	vouchers := registry.Vouchers().(*VoucherRepository)
	if err := vouchers.Put(ctx, domain.Voucher{
		Code:     "spring10",
		Name:     "Spring",
		Discount: domain.PercentageDiscount{Percent: decimal.RequireFromString("12.5"), Cap: &limit},
		Quantity: &qty,
		Status:   domain.VoucherStatusActive,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	exhausted := errors.New("exhausted")
	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := vouchers.UpdateUsage(ctx, "SPRING10", func(v domain.Voucher) (domain.Voucher, error) {
				if remaining, _ := v.Remaining(); remaining == 0 {
					return v, exhausted
				}
				v.UsedCount++
				return v, nil
			})
			if err == nil {
				applied.Add(1)
			} else if !errors.Is(err, exhausted) {
				t.Errorf("update usage: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied.Load() != 3 {
		t.Fatalf("expected 3 applications, got %d", applied.Load())
	}
	v, err := vouchers.FindByCode(ctx, "spring10")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	pct, ok := v.Discount.(domain.PercentageDiscount)
	if !ok || !pct.Percent.Equal(decimal.RequireFromString("12.5")) || pct.Cap == nil || *pct.Cap != 20000 {
		t.Fatalf("unexpected discount %#v", v.Discount)
	}
	if _, err := vouchers.FindByCode(ctx, "missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderCreateAndLookup(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	order := domain.Order{
		ID:          "ord_1",
		PayerID:     "u1",
		PaymentKey:  "payment_u1_01",
		Status:      domain.OrderStatusPaid,
		PaymentType: domain.PaymentTypeBanking,
		Subtotal:    100000,
		Total:       100000,
		CreatedAt:   time.Now().UTC(),
		Details: []domain.OrderDetail{
			{BookVariantID: "v1", Quantity: 1, UnitPricePurchased: 60000},
			{BookVariantID: "v2", Quantity: 2, UnitPricePurchased: 20000},
		},
	}
	if err := registry.Orders().Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}
	order.ID = "ord_2"
	if err := registry.Orders().Create(ctx, order); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate payment key, got %v", err)
	}
	got, err := registry.Orders().FindByPaymentKey(ctx, "payment_u1_01")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "ord_1" || len(got.Details) != 2 || got.Details[1].UnitPricePurchased != 20000 {
		t.Fatalf("unexpected order %+v", got)
	}
	if _, err := registry.Orders().FindByID(ctx, "ord_2"); !repositories.IsNotFound(err) {
		t.Fatalf("expected rolled back order to be absent, got %v", err)
	}
}
