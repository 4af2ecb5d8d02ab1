package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
	"github.com/bookstore/payments/internal/repositories/memory"
)

type sessionFixture struct {
	registry *memory.Registry
	store    PaymentSessionStore
	now      time.Time
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	now := time.Date(2024, 5, 1, 3, 4, 5, 0, time.UTC)
	registry := memory.NewRegistry()
	registry.CartItemStore().Put(
		domain.CartItem{ID: "c1", PayerID: "u1", BookVariantID: "v1", Quantity: 2, UnitPrice: 150000},
		domain.CartItem{ID: "c2", PayerID: "u1", BookVariantID: "v2", Quantity: 1, UnitPrice: 300000},
		domain.CartItem{ID: "c3", PayerID: "u2", BookVariantID: "v1", Quantity: 1, UnitPrice: 150000},
	)
	ledger := newTestLedger(t, registry.Vouchers(), now)

	var seq atomic.Int32
	store, err := NewPaymentSessionStore(PaymentSessionStoreDeps{
		Sessions:  registry.PaymentSessions(),
		CartItems: registry.CartItems(),
		Ledger:    ledger,
		Clock:     func() time.Time { return now },
		NewID: func() string {
			return fmt.Sprintf("01J%04d", seq.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return &sessionFixture{registry: registry, store: store, now: now}
}

func TestPaymentSessionInitiatePricesSelection(t *testing.T) {
	f := newSessionFixture(t)
	f.registry.VoucherStore().Put(percentVoucher("SALE10", 10, int64Ptr(50000)))

	session, err := f.store.Initiate(context.Background(), InitiateCommand{
		CartItemIDs:     []string{"c1", "c2"},
		VoucherCode:     " sale10 ",
		PayerID:         "u1",
		ShippingAddress: "12 Nguyen Hue",
		PhoneNumber:     "0901234567",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if session.PaymentKey != "payment_u1_01J0001" {
		t.Fatalf("unexpected payment key %s", session.PaymentKey)
	}
	want := Quote{Subtotal: 600000, Discount: 50000, Total: 550000}
	if session.Quote != want {
		t.Fatalf("expected quote %+v, got %+v", want, session.Quote)
	}
	if session.VoucherCode != "SALE10" {
		t.Fatalf("expected normalised voucher code, got %q", session.VoucherCode)
	}
	wantLines := []domain.SessionLine{
		{CartItemID: "c1", BookVariantID: "v1", Quantity: 2, UnitPrice: 150000},
		{CartItemID: "c2", BookVariantID: "v2", Quantity: 1, UnitPrice: 300000},
	}
	if len(session.Lines) != len(wantLines) || session.Lines[0] != wantLines[0] || session.Lines[1] != wantLines[1] {
		t.Fatalf("expected quoted lines %+v, got %+v", wantLines, session.Lines)
	}
	if !session.CreatedAt.Equal(f.now) || !session.ExpiresAt.Equal(f.now.Add(defaultSessionTTL)) {
		t.Fatalf("unexpected timestamps %v %v", session.CreatedAt, session.ExpiresAt)
	}

	peeked, found, err := f.store.Peek(context.Background(), session.PaymentKey)
	if err != nil || !found {
		t.Fatalf("expected session to be stored, found=%v err=%v", found, err)
	}
	if peeked.Quote != want || peeked.LinesSubtotal() != want.Subtotal {
		t.Fatalf("expected stored quote %+v, got %+v lines=%d", want, peeked.Quote, peeked.LinesSubtotal())
	}
}

func TestPaymentSessionInitiateRejectsInvalidSelection(t *testing.T) {
	f := newSessionFixture(t)

	cases := []struct {
		name string
		cmd  InitiateCommand
	}{
		{name: "empty selection", cmd: InitiateCommand{PayerID: "u1"}},
		{name: "missing payer", cmd: InitiateCommand{CartItemIDs: []string{"c1"}}},
		{name: "item of another payer", cmd: InitiateCommand{CartItemIDs: []string{"c1", "c3"}, PayerID: "u1"}},
		{name: "unknown item", cmd: InitiateCommand{CartItemIDs: []string{"c1", "zz"}, PayerID: "u1"}},
		{name: "duplicate item", cmd: InitiateCommand{CartItemIDs: []string{"c1", "c1"}, PayerID: "u1"}},
		{name: "blank item", cmd: InitiateCommand{CartItemIDs: []string{" "}, PayerID: "u1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.store.Initiate(context.Background(), tc.cmd); !errors.Is(err, ErrInvalidSelection) {
				t.Fatalf("expected ErrInvalidSelection, got %v", err)
			}
		})
	}
}

func TestPaymentSessionInitiateRejectsInvalidVoucher(t *testing.T) {
	f := newSessionFixture(t)
	inactive := percentVoucher("OFF", 10, nil)
	inactive.Status = domain.VoucherStatusInactive
	minimum := percentVoucher("BIG", 10, nil)
	minimum.MinOrderValue = int64Ptr(1000000)
	future := percentVoucher("SOON", 10, nil)
	future.StartDate = timePtr(f.now.Add(time.Hour))
	f.registry.VoucherStore().Put(inactive, minimum, future)

	for _, code := range []string{"MISSING", "OFF", "BIG", "SOON"} {
		t.Run(code, func(t *testing.T) {
			_, err := f.store.Initiate(context.Background(), InitiateCommand{
				CartItemIDs: []string{"c1"},
				VoucherCode: code,
				PayerID:     "u1",
			})
			if !errors.Is(err, ErrVoucherInvalid) {
				t.Fatalf("expected ErrVoucherInvalid, got %v", err)
			}
		})
	}
}

func TestPaymentSessionFinalizeIsExclusive(t *testing.T) {
	f := newSessionFixture(t)
	session, err := f.store.Initiate(context.Background(), InitiateCommand{CartItemIDs: []string{"c1"}, PayerID: "u1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, err := f.store.Finalize(context.Background(), session.PaymentKey)
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if found {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one finalize to find the session, got %d", winners.Load())
	}
	if _, found, _ := f.store.Peek(context.Background(), session.PaymentKey); found {
		t.Fatalf("expected session removed after finalize")
	}
}

func TestPaymentSessionCancelAndRestore(t *testing.T) {
	f := newSessionFixture(t)
	session, err := f.store.Initiate(context.Background(), InitiateCommand{CartItemIDs: []string{"c1"}, PayerID: "u1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	cancelled, found, err := f.store.Cancel(context.Background(), session.PaymentKey)
	if err != nil || !found {
		t.Fatalf("expected cancel to find session, found=%v err=%v", found, err)
	}
	if cancelled.PaymentKey != session.PaymentKey {
		t.Fatalf("unexpected cancelled session %+v", cancelled)
	}
	if _, found, _ := f.store.Cancel(context.Background(), session.PaymentKey); found {
		t.Fatalf("expected second cancel to find nothing")
	}

	if err := f.store.Restore(context.Background(), session); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := f.store.Restore(context.Background(), session); err != nil {
		t.Fatalf("expected restore of existing session to be a no-op, got %v", err)
	}
	if _, found, _ := f.store.Peek(context.Background(), session.PaymentKey); !found {
		t.Fatalf("expected restored session")
	}

	items, _ := f.registry.CartItems().FindByIDs(context.Background(), []string{"c1"})
	if len(items) != 1 {
		t.Fatalf("expected cart untouched by cancel")
	}
}

func TestPaymentSessionLookupOfBlankKey(t *testing.T) {
	f := newSessionFixture(t)
	if _, found, err := f.store.Peek(context.Background(), "  "); found || err != nil {
		t.Fatalf("expected blank key to be not found, found=%v err=%v", found, err)
	}
}

func TestPaymentSessionSweepExpired(t *testing.T) {
	f := newSessionFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := f.store.Initiate(context.Background(), InitiateCommand{CartItemIDs: []string{"c1"}, PayerID: "u1"}); err != nil {
			t.Fatalf("initiate: %v", err)
		}
	}

	removed, err := f.store.SweepExpired(context.Background(), f.now.Add(defaultSessionTTL-time.Second), 0)
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing swept before expiry, removed=%d err=%v", removed, err)
	}
	removed, err = f.store.SweepExpired(context.Background(), f.now.Add(defaultSessionTTL), 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected batch of 2 swept, removed=%d err=%v", removed, err)
	}
	removed, err = f.store.SweepExpired(context.Background(), f.now.Add(defaultSessionTTL), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected remaining session swept, removed=%d err=%v", removed, err)
	}
}

type unavailableSessions struct {
	repositories.PaymentSessionRepository
}

func (unavailableSessions) Get(context.Context, string) (domain.PaymentSession, error) {
	return domain.PaymentSession{}, repositories.NewUnavailable("sessions.get", errors.New("connection refused"))
}

func TestPaymentSessionPeekStorageFailure(t *testing.T) {
	registry := memory.NewRegistry()
	store, err := NewPaymentSessionStore(PaymentSessionStoreDeps{
		Sessions:  unavailableSessions{registry.PaymentSessions()},
		CartItems: registry.CartItems(),
		Ledger:    newTestLedger(t, registry.Vouchers(), time.Now()),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, found, err := store.Peek(context.Background(), "payment_u1_x")
	if !errors.Is(err, ErrSessionUnavailable) || found {
		t.Fatalf("expected ErrSessionUnavailable, got found=%v err=%v", found, err)
	}
}

func TestSanitiseKeySegment(t *testing.T) {
	cases := map[string]string{
		"user-42":                "user42",
		"":                       "anon",
		"__":                     "anon",
		strings.Repeat("a", 40):  strings.Repeat("a", 32),
		"Ünïcode":                "ncode",
		"firebase|uid:AbC123xyz": "firebaseuidAbC123xyz",
	}
	for in, want := range cases {
		if got := sanitiseKeySegment(in); got != want {
			t.Fatalf("sanitiseKeySegment(%q): expected %q, got %q", in, want, got)
		}
	}
}
