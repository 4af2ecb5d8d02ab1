package services

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/repositories"
	"github.com/bookstore/payments/internal/repositories/memory"
)

const testHashSecret = "SECRETKEY"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu             sync.Mutex
	started        int
	outcomes       map[string]int
	voucherFailure int
	swept          int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: make(map[string]int)}
}

func (m *recordingMetrics) CheckoutStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *recordingMetrics) SettlementOutcome(outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) VoucherApplyFailed() {
	m.mu.Lock()
	m.voucherFailure++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionsSwept(count int) {
	m.mu.Lock()
	m.swept += count
	m.mu.Unlock()
}

func (m *recordingMetrics) outcome(name SettlementOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[string(name)]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderSettledEvent
	err    error
}

func (p *recordingPublisher) PublishOrderSettled(_ context.Context, event OrderSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type stubQuerier struct {
	mu       sync.Mutex
	requests []payments.QueryRequest
	queryFn  func(payments.QueryRequest) (payments.QueryResult, error)
}

func (q *stubQuerier) Query(_ context.Context, req payments.QueryRequest) (payments.QueryResult, error) {
	q.mu.Lock()
	q.requests = append(q.requests, req)
	q.mu.Unlock()
	return q.queryFn(req)
}

type failingOrders struct {
	repositories.OrderRepository
	createErr error
}

func (o failingOrders) Create(context.Context, domain.Order) error {
	return o.createErr
}

type settlementFixture struct {
	registry  *memory.Registry
	clock     *testClock
	metrics   *recordingMetrics
	publisher *recordingPublisher
	ledger    VoucherLedger
	sessions  PaymentSessionStore
	gateway   *payments.Gateway
	service   SettlementService
}

type settlementOption func(*SettlementServiceDeps)

func newSettlementFixture(t *testing.T, opts ...settlementOption) *settlementFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 3, 4, 5, 0, time.UTC)}
	registry := memory.NewRegistry()
	registry.CartItemStore().Put(
		domain.CartItem{ID: "c1", PayerID: "u1", BookVariantID: "v1", Quantity: 2, UnitPrice: 150000},
		domain.CartItem{ID: "c2", PayerID: "u1", BookVariantID: "v2", Quantity: 1, UnitPrice: 300000},
		domain.CartItem{ID: "c3", PayerID: "u2", BookVariantID: "v3", Quantity: 1, UnitPrice: 90000},
	)
	registry.VoucherStore().Put(percentVoucher("SALE10", 10, int64Ptr(50000)))

	metrics := newRecordingMetrics()
	ledger, err := NewVoucherLedger(VoucherLedgerDeps{Vouchers: registry.Vouchers(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	sessions, err := NewPaymentSessionStore(PaymentSessionStoreDeps{
		Sessions:  registry.PaymentSessions(),
		CartItems: registry.CartItems(),
		Ledger:    ledger,
		Clock:     clock.Now,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	gateway, err := payments.NewGateway(payments.GatewayConfig{
		TmnCode:    "TESTTMN1",
		HashSecret: testHashSecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://shop.example/api/payments/vnpay/return",
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	publisher := &recordingPublisher{}

	deps := SettlementServiceDeps{
		Sessions:  sessions,
		Ledger:    ledger,
		CartItems: registry.CartItems(),
		Orders:    registry.Orders(),
		Gateway:   gateway,
		Events:    publisher,
		Metrics:   metrics,
		Clock:     clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	service, err := NewSettlementService(deps)
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	return &settlementFixture{
		registry:  registry,
		clock:     clock,
		metrics:   metrics,
		publisher: publisher,
		ledger:    ledger,
		sessions:  sessions,
		gateway:   gateway,
		service:   service,
	}
}

func (f *settlementFixture) checkout(t *testing.T, voucher string, items ...string) CheckoutRedirect {
	t.Helper()
	redirect, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{
		CartItemIDs:     items,
		VoucherCode:     voucher,
		PayerID:         "u1",
		ShippingAddress: "12 Nguyen Hue, District 1",
		PhoneNumber:     "0901 234 567",
		ClientIP:        "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	return redirect
}

func (f *settlementFixture) sessionCount() int {
	return f.registry.PaymentSessions().(*memory.SessionStore).Len()
}

func (f *settlementFixture) orderCount() int {
	return f.registry.Orders().(*memory.OrderStore).Count()
}

func signedCallback(paymentKey string, amount int64, responseCode string) map[string]string {
	params := map[string]string{
		payments.FieldTmnCode:           "TESTTMN1",
		payments.FieldTxnRef:            paymentKey,
		payments.FieldAmount:            strconv.FormatInt(amount, 10),
		payments.FieldResponseCode:      responseCode,
		payments.FieldTransactionStatus: responseCode,
		payments.FieldTransactionNo:     "14412345",
		payments.FieldBankCode:          "NCB",
		payments.FieldPayDate:           "20240501101500",
		payments.FieldOrderInfo:         "Thanh toan don hang: " + paymentKey,
	}
	params[payments.FieldSecureHash] = payments.Sign(params, testHashSecret)
	return params
}

func TestStartCheckoutBuildsSignedRedirect(t *testing.T) {
	f := newSettlementFixture(t)

	redirect := f.checkout(t, "sale10", "c1", "c2")

	if redirect.Amount != 550000 {
		t.Fatalf("expected amount 550000, got %d", redirect.Amount)
	}
	want := Quote{Subtotal: 600000, Discount: 50000, Total: 550000}
	if redirect.Quote != want {
		t.Fatalf("expected quote %+v, got %+v", want, redirect.Quote)
	}

	parsed, err := url.Parse(redirect.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	params := make(map[string]string)
	for key, values := range parsed.Query() {
		params[key] = values[0]
	}
	if params[payments.FieldAmount] != "55000000" {
		t.Fatalf("expected vnp_Amount 55000000, got %s", params[payments.FieldAmount])
	}
	if params[payments.FieldTxnRef] != redirect.PaymentKey {
		t.Fatalf("expected txn ref %s, got %s", redirect.PaymentKey, params[payments.FieldTxnRef])
	}
	if params[payments.FieldCreateDate] != "20240501100405" {
		t.Fatalf("expected create date in gateway timezone, got %s", params[payments.FieldCreateDate])
	}
	if params[payments.FieldIPAddr] != "203.0.113.9" {
		t.Fatalf("expected client ip, got %s", params[payments.FieldIPAddr])
	}
	if !payments.Verify(params, params[payments.FieldSecureHash], testHashSecret) {
		t.Fatalf("expected redirect signature to verify")
	}
	if f.sessionCount() != 1 {
		t.Fatalf("expected one pending session, got %d", f.sessionCount())
	}
	if f.metrics.started != 1 {
		t.Fatalf("expected checkout metric, got %d", f.metrics.started)
	}
}

func TestStartCheckoutValidatesContactDetails(t *testing.T) {
	f := newSettlementFixture(t)

	cases := []struct {
		name    string
		address string
		phone   string
	}{
		{name: "empty address", address: " ", phone: "0901234567"},
		{name: "markup only address", address: "<script>alert(1)</script>", phone: "0901234567"},
		{name: "short phone", address: "12 Nguyen Hue", phone: "12345"},
		{name: "letters in phone", address: "12 Nguyen Hue", phone: "0901abc567"},
		{name: "long phone", address: "12 Nguyen Hue", phone: "+84 090 123 456 789 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{
				CartItemIDs:     []string{"c1"},
				PayerID:         "u1",
				ShippingAddress: tc.address,
				PhoneNumber:     tc.phone,
			})
			if !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
			}
		})
	}
	if f.sessionCount() != 0 {
		t.Fatalf("expected no sessions, got %d", f.sessionCount())
	}
}

func TestStartCheckoutStripsMarkupFromAddress(t *testing.T) {
	f := newSettlementFixture(t)
	redirect, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{
		CartItemIDs:     []string{"c1"},
		PayerID:         "u1",
		ShippingAddress: "<b>12 Nguyen Hue</b>",
		PhoneNumber:     "+84-901-234-567",
	})
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	session, found, err := f.sessions.Peek(context.Background(), redirect.PaymentKey)
	if err != nil || !found {
		t.Fatalf("expected session, found=%v err=%v", found, err)
	}
	if session.ShippingAddress != "12 Nguyen Hue" {
		t.Fatalf("expected sanitised address, got %q", session.ShippingAddress)
	}
}

func TestStartCheckoutNothingToPay(t *testing.T) {
	f := newSettlementFixture(t)
	f.registry.VoucherStore().Put(domain.Voucher{
		Code:     "FREEBIE",
		Status:   domain.VoucherStatusActive,
		Discount: domain.FixedAmountDiscount{Amount: 1000000},
	})

	_, err := f.service.StartCheckout(context.Background(), StartCheckoutCommand{
		CartItemIDs:     []string{"c1"},
		VoucherCode:     "FREEBIE",
		PayerID:         "u1",
		ShippingAddress: "12 Nguyen Hue",
		PhoneNumber:     "0901234567",
	})
	if !errors.Is(err, ErrCheckoutNothingToPay) {
		t.Fatalf("expected ErrCheckoutNothingToPay, got %v", err)
	}
	if f.sessionCount() != 0 {
		t.Fatalf("expected discarded session, got %d", f.sessionCount())
	}
}

func TestHandleCallbackInvalidSignatureLeavesSession(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "", "c1")

	params := signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00")
	params[payments.FieldAmount] = "1"

	result, err := f.service.HandleCallback(context.Background(), params)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeInvalidSignature || !errors.Is(result.Err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %+v", result)
	}
	if f.sessionCount() != 1 || f.orderCount() != 0 {
		t.Fatalf("expected state untouched, sessions=%d orders=%d", f.sessionCount(), f.orderCount())
	}
}

func TestHandleCallbackFailureCancelsSession(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "SALE10", "c1")

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "24"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeFailed || result.GatewayCode != "24" || !errors.Is(result.Err, ErrPaymentFailed) {
		t.Fatalf("expected failed outcome, got %+v", result)
	}
	if f.sessionCount() != 0 || f.orderCount() != 0 {
		t.Fatalf("expected session discarded without order, sessions=%d orders=%d", f.sessionCount(), f.orderCount())
	}
	items, _ := f.registry.CartItems().FindByIDs(context.Background(), []string{"c1"})
	if len(items) != 1 {
		t.Fatalf("expected cart untouched after failed payment")
	}
	v, _ := f.registry.Vouchers().FindByCode(context.Background(), "SALE10")
	if v.UsedCount != 0 {
		t.Fatalf("expected voucher unused, got %d", v.UsedCount)
	}
}

func TestHandleCallbackSettlesOrder(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "SALE10", "c1", "c2")

	f.registry.CartItemStore().SetUnitPrice("v1", 160000)
	f.clock.Advance(5 * time.Minute)

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, 55000000, "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeSettled || result.OrderID == "" || result.Err != nil {
		t.Fatalf("expected settled result, got %+v", result)
	}

	order, err := f.service.GetOrder(context.Background(), "u1", result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderStatusPaid || order.PaymentType != domain.PaymentTypeBanking {
		t.Fatalf("unexpected status %s/%s", order.Status, order.PaymentType)
	}
	if order.Subtotal != 600000 || order.Discount != 50000 || order.Total != 550000 {
		t.Fatalf("expected quote amounts on the order, got %+v", order)
	}
	if order.TransactionNo != "14412345" || order.BankCode != "NCB" {
		t.Fatalf("expected gateway receipt on order, got %s/%s", order.TransactionNo, order.BankCode)
	}
	wantPaid := time.Date(2024, 5, 1, 3, 15, 0, 0, time.UTC)
	if !order.PaidAt.Equal(wantPaid) {
		t.Fatalf("expected paidAt %v, got %v", wantPaid, order.PaidAt)
	}
	if order.ShippingAddress != "12 Nguyen Hue, District 1" || order.PhoneNumber != "0901 234 567" {
		t.Fatalf("unexpected contact details %q %q", order.ShippingAddress, order.PhoneNumber)
	}
	if len(order.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(order.Details))
	}
	prices := map[string]int64{}
	for _, d := range order.Details {
		prices[d.BookVariantID] = d.UnitPricePurchased
		if d.OrderID != order.ID {
			t.Fatalf("detail bound to wrong order %s", d.OrderID)
		}
	}
	if prices["v1"] != 150000 || prices["v2"] != 300000 {
		t.Fatalf("expected prices frozen at quote time, got %v", prices)
	}

	v, _ := f.registry.Vouchers().FindByCode(context.Background(), "SALE10")
	if v.UsedCount != 1 {
		t.Fatalf("expected voucher used once, got %d", v.UsedCount)
	}
	remaining, _ := f.registry.CartItems().FindByIDs(context.Background(), []string{"c1", "c2", "c3"})
	if len(remaining) != 1 || remaining[0].ID != "c3" {
		t.Fatalf("expected only unrelated cart items left, got %+v", remaining)
	}
	if f.sessionCount() != 0 {
		t.Fatalf("expected session consumed")
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].OrderID != order.ID || f.publisher.events[0].Total != 550000 {
		t.Fatalf("expected one settled event, got %+v", f.publisher.events)
	}
	if f.metrics.outcome(OutcomeSettled) != 1 {
		t.Fatalf("expected settled metric")
	}

	status, err := f.service.PaymentStatus(context.Background(), "u1", redirect.PaymentKey)
	if err != nil {
		t.Fatalf("payment status: %v", err)
	}
	if status.State != PaymentStatePaid || status.OrderID != order.ID {
		t.Fatalf("expected PAID status with order id, got %+v", status)
	}
}

func TestHandleCallbackReplayIsAlreadyProcessed(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "", "c1")
	params := signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00")

	first, err := f.service.HandleCallback(context.Background(), params)
	if err != nil || first.Outcome != OutcomeSettled {
		t.Fatalf("expected first callback to settle, got %+v err=%v", first, err)
	}
	second, err := f.service.HandleCallback(context.Background(), params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed || !errors.Is(second.Err, ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %+v", second)
	}
	if second.OrderID != first.OrderID {
		t.Fatalf("expected replay to report order %s, got %s", first.OrderID, second.OrderID)
	}
	if f.orderCount() != 1 {
		t.Fatalf("expected one order, got %d", f.orderCount())
	}
}

func TestHandleCallbackConcurrentDeliveriesSettleOnce(t *testing.T) {
	f := newSettlementFixture(t)
	f.registry.VoucherStore().Put(domain.Voucher{
		Code:     "ONCE",
		Status:   domain.VoucherStatusActive,
		Quantity: intPtr(5),
		Discount: domain.FixedAmountDiscount{Amount: 10000},
	})
	redirect := f.checkout(t, "ONCE", "c1", "c2")
	params := signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00")

	const deliveries = 8
	results := make([]SettlementResult, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.HandleCallback(context.Background(), params)
			if err != nil {
				t.Errorf("delivery %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	settled, already := 0, 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSettled:
			settled++
		case OutcomeAlreadyProcessed:
			already++
		}
	}
	if settled != 1 || already != deliveries-1 {
		t.Fatalf("expected 1 settled and %d already processed, got %d/%d", deliveries-1, settled, already)
	}
	if f.orderCount() != 1 {
		t.Fatalf("expected one order, got %d", f.orderCount())
	}
	v, _ := f.registry.Vouchers().FindByCode(context.Background(), "ONCE")
	if v.UsedCount != 1 {
		t.Fatalf("expected voucher used once, got %d", v.UsedCount)
	}
}

func TestHandleCallbackSettlesOverlappingSessionsFromQuotedLines(t *testing.T) {
	f := newSettlementFixture(t)
	first := f.checkout(t, "", "c1", "c2")
	second := f.checkout(t, "", "c1", "c2")

	for _, redirect := range []CheckoutRedirect{first, second} {
		result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
		if err != nil || result.Outcome != OutcomeSettled {
			t.Fatalf("expected %s to settle, got %+v err=%v", redirect.PaymentKey, result, err)
		}
		order, err := f.service.GetOrder(context.Background(), "u1", result.OrderID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		var detailsTotal int64
		for _, d := range order.Details {
			detailsTotal += d.UnitPricePurchased * int64(d.Quantity)
		}
		if len(order.Details) != 2 || detailsTotal != order.Subtotal || order.Total != 600000 {
			t.Fatalf("expected details matching the quote, got %d details worth %d for subtotal %d", len(order.Details), detailsTotal, order.Subtotal)
		}
	}
	if f.orderCount() != 2 {
		t.Fatalf("expected two orders, got %d", f.orderCount())
	}
}

func TestHandleCallbackRefusesSessionWithoutQuotedLines(t *testing.T) {
	f := newSettlementFixture(t)
	now := f.clock.Now()
	session := domain.PaymentSession{
		PaymentKey:  "payment_u1_bare",
		CartItemIDs: []string{"c1"},
		PayerID:     "u1",
		Quote:       Quote{Subtotal: 300000, Total: 300000},
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := f.registry.PaymentSessions().Insert(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	_, err := f.service.HandleCallback(context.Background(), signedCallback(session.PaymentKey, payments.MinorUnits(300000), "00"))
	if !errors.Is(err, ErrSettlementInconsistent) {
		t.Fatalf("expected ErrSettlementInconsistent, got %v", err)
	}
	if f.orderCount() != 0 {
		t.Fatalf("expected no order persisted, got %d", f.orderCount())
	}
	if f.sessionCount() != 1 {
		t.Fatalf("expected session kept for manual follow-up")
	}
	remaining, _ := f.registry.CartItems().FindByIDs(context.Background(), []string{"c1"})
	if len(remaining) != 1 {
		t.Fatalf("expected cart untouched")
	}
}

func TestHandleCallbackAmountMismatch(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "", "c1")

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, 100, "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeAmountMismatch || !errors.Is(result.Err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %+v", result)
	}
	if f.sessionCount() != 1 || f.orderCount() != 0 {
		t.Fatalf("expected session kept without order, sessions=%d orders=%d", f.sessionCount(), f.orderCount())
	}
}

func TestHandleCallbackUnknownKey(t *testing.T) {
	f := newSettlementFixture(t)
	result, err := f.service.HandleCallback(context.Background(), signedCallback("payment_u1_missing", 100, "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed || result.OrderID != "" {
		t.Fatalf("expected already processed without order, got %+v", result)
	}
}

func TestHandleCallbackMissingTxnRef(t *testing.T) {
	f := newSettlementFixture(t)
	params := map[string]string{payments.FieldResponseCode: "00"}
	params[payments.FieldSecureHash] = payments.Sign(params, testHashSecret)

	if _, err := f.service.HandleCallback(context.Background(), params); !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("expected ErrInvalidCallback, got %v", err)
	}
}

func TestHandleCallbackOrderConflictDoesNotRestore(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "", "c1")
	if err := f.registry.Orders().Create(context.Background(), domain.Order{ID: "ord_existing", PaymentKey: redirect.PaymentKey}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	_, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if !errors.Is(err, ErrSettlementConflict) {
		t.Fatalf("expected ErrSettlementConflict, got %v", err)
	}
	if f.sessionCount() != 0 {
		t.Fatalf("expected session not restored after conflict")
	}
}

func TestHandleCallbackStorageFailureRestoresSession(t *testing.T) {
	var registryOrders repositories.OrderRepository
	f := newSettlementFixture(t, func(deps *SettlementServiceDeps) {
		registryOrders = deps.Orders
		deps.Orders = failingOrders{
			OrderRepository: deps.Orders,
			createErr:       repositories.NewUnavailable("orders.create", errors.New("deadline exceeded")),
		}
	})
	redirect := f.checkout(t, "SALE10", "c1")

	_, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("expected ErrSettlementUnavailable, got %v", err)
	}
	if _, found, _ := f.sessions.Peek(context.Background(), redirect.PaymentKey); !found {
		t.Fatalf("expected session restored for retry")
	}
	if _, err := registryOrders.FindByPaymentKey(context.Background(), redirect.PaymentKey); !repositories.IsNotFound(err) {
		t.Fatalf("expected no order, got %v", err)
	}
	v, _ := f.registry.Vouchers().FindByCode(context.Background(), "SALE10")
	if v.UsedCount != 0 {
		t.Fatalf("expected voucher untouched, got %d", v.UsedCount)
	}
}

func TestHandleCallbackVoucherApplyFailureIsNotFatal(t *testing.T) {
	f := newSettlementFixture(t)
	f.registry.VoucherStore().Put(domain.Voucher{
		Code:     "LAST1",
		Status:   domain.VoucherStatusActive,
		Quantity: intPtr(1),
		Discount: domain.FixedAmountDiscount{Amount: 10000},
	})
	redirect := f.checkout(t, "LAST1", "c1")
	if _, err := f.ledger.Apply(context.Background(), "LAST1"); err != nil {
		t.Fatalf("exhaust voucher: %v", err)
	}

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		t.Fatalf("expected settlement despite voucher failure, got %+v", result)
	}
	if f.metrics.voucherFailure != 1 {
		t.Fatalf("expected voucher failure metric, got %d", f.metrics.voucherFailure)
	}
	order, err := f.service.GetOrder(context.Background(), "u1", result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Discount != 10000 || order.Total != 290000 {
		t.Fatalf("expected quoted discount honoured, got discount=%d total=%d", order.Discount, order.Total)
	}
}

func TestHandleCallbackEventFailureIsNotFatal(t *testing.T) {
	f := newSettlementFixture(t)
	f.publisher.err = errors.New("broker down")
	redirect := f.checkout(t, "", "c1")

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if err != nil || result.Outcome != OutcomeSettled {
		t.Fatalf("expected settled despite publish failure, got %+v err=%v", result, err)
	}
}

func TestHandleCallbackConfirmsWithQuery(t *testing.T) {
	querier := &stubQuerier{queryFn: func(payments.QueryRequest) (payments.QueryResult, error) {
		return payments.QueryResult{ResponseCode: "00", TransactionStatus: "02"}, nil
	}}
	f := newSettlementFixture(t, func(deps *SettlementServiceDeps) {
		deps.Querier = querier
		deps.ConfirmWithQuery = true
	})
	redirect := f.checkout(t, "", "c1")

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeFailed || result.GatewayCode != "02" {
		t.Fatalf("expected failed outcome from query, got %+v", result)
	}
	if len(querier.requests) != 1 || !querier.requests[0].TransactionDate.Equal(f.clock.Now()) {
		t.Fatalf("expected query quoting the session creation time, got %+v", querier.requests)
	}
	if f.orderCount() != 0 {
		t.Fatalf("expected no order")
	}
}

func TestHandleCallbackKeepsSessionWhileQueryInFlight(t *testing.T) {
	answers := []payments.QueryResult{
		{ResponseCode: "00", TransactionStatus: "01"},
		{ResponseCode: "91"},
		{ResponseCode: "00", TransactionStatus: "00"},
	}
	querier := &stubQuerier{}
	querier.queryFn = func(payments.QueryRequest) (payments.QueryResult, error) {
		answer := answers[len(querier.requests)-1]
		return answer, nil
	}
	f := newSettlementFixture(t, func(deps *SettlementServiceDeps) {
		deps.Querier = querier
		deps.ConfirmWithQuery = true
	})
	redirect := f.checkout(t, "", "c1")
	params := signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00")

	for i, wantCode := range []string{"01", "91"} {
		result, err := f.service.HandleCallback(context.Background(), params)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if result.Outcome != OutcomePending || result.GatewayCode != wantCode || !errors.Is(result.Err, ErrPaymentPending) {
			t.Fatalf("delivery %d: expected pending with code %s, got %+v", i, wantCode, result)
		}
		if f.sessionCount() != 1 || f.orderCount() != 0 {
			t.Fatalf("delivery %d: expected session kept without order, sessions=%d orders=%d", i, f.sessionCount(), f.orderCount())
		}
	}

	result, err := f.service.HandleCallback(context.Background(), params)
	if err != nil {
		t.Fatalf("confirmed delivery: %v", err)
	}
	if result.Outcome != OutcomeSettled || result.OrderID == "" || f.orderCount() != 1 {
		t.Fatalf("expected settlement once the gateway confirms, got %+v orders=%d", result, f.orderCount())
	}
	if f.metrics.outcome(OutcomePending) != 2 {
		t.Fatalf("expected two pending outcomes recorded, got %d", f.metrics.outcome(OutcomePending))
	}
}

func TestHandleCallbackInFlightAfterExpiryFails(t *testing.T) {
	querier := &stubQuerier{queryFn: func(payments.QueryRequest) (payments.QueryResult, error) {
		return payments.QueryResult{ResponseCode: "00", TransactionStatus: "05"}, nil
	}}
	f := newSettlementFixture(t, func(deps *SettlementServiceDeps) {
		deps.Querier = querier
		deps.ConfirmWithQuery = true
	})
	redirect := f.checkout(t, "", "c1")
	f.clock.Advance(defaultSessionTTL)

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if result.Outcome != OutcomeFailed || f.sessionCount() != 0 {
		t.Fatalf("expected expired in-flight session to fail, got %+v", result)
	}
}

func TestNewSettlementServiceRequiresQuerierForConfirmation(t *testing.T) {
	registry := memory.NewRegistry()
	_, err := NewSettlementService(SettlementServiceDeps{
		Sessions:         &paymentSessionStore{},
		Ledger:           &voucherLedger{},
		CartItems:        registry.CartItems(),
		Orders:           registry.Orders(),
		Gateway:          &payments.Gateway{},
		ConfirmWithQuery: true,
	})
	if err == nil {
		t.Fatalf("expected error without querier")
	}
}

func TestReconcile(t *testing.T) {
	t.Run("confirmed settles", func(t *testing.T) {
		querier := &stubQuerier{}
		f := newSettlementFixture(t, func(deps *SettlementServiceDeps) { deps.Querier = querier })
		redirect := f.checkout(t, "", "c1")
		querier.queryFn = func(payments.QueryRequest) (payments.QueryResult, error) {
			return payments.QueryResult{
				ResponseCode:      "00",
				TransactionStatus: "00",
				TransactionNo:     "9988",
				Amount:            payments.MinorUnits(redirect.Amount),
			}, nil
		}

		result, err := f.service.Reconcile(context.Background(), redirect.PaymentKey, time.Time{})
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if result.Outcome != OutcomeSettled {
			t.Fatalf("expected settled, got %+v", result)
		}
		order, _ := f.service.GetOrder(context.Background(), "u1", result.OrderID)
		if order.TransactionNo != "9988" {
			t.Fatalf("expected transaction number from query, got %s", order.TransactionNo)
		}
	})

	t.Run("in flight is pending until expiry", func(t *testing.T) {
		querier := &stubQuerier{queryFn: func(payments.QueryRequest) (payments.QueryResult, error) {
			return payments.QueryResult{ResponseCode: "91"}, nil
		}}
		f := newSettlementFixture(t, func(deps *SettlementServiceDeps) { deps.Querier = querier })
		redirect := f.checkout(t, "", "c1")
		explicit := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)

		result, err := f.service.Reconcile(context.Background(), redirect.PaymentKey, explicit)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if result.Outcome != OutcomePending || f.sessionCount() != 1 {
			t.Fatalf("expected pending with session kept, got %+v", result)
		}
		if !querier.requests[0].TransactionDate.Equal(explicit) {
			t.Fatalf("expected explicit transaction date, got %v", querier.requests[0].TransactionDate)
		}

		f.clock.Advance(defaultSessionTTL)
		result, err = f.service.Reconcile(context.Background(), redirect.PaymentKey, time.Time{})
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if result.Outcome != OutcomeFailed || f.sessionCount() != 0 {
			t.Fatalf("expected failed after expiry, got %+v", result)
		}
	})

	t.Run("declined fails", func(t *testing.T) {
		querier := &stubQuerier{queryFn: func(payments.QueryRequest) (payments.QueryResult, error) {
			return payments.QueryResult{ResponseCode: "00", TransactionStatus: "02"}, nil
		}}
		f := newSettlementFixture(t, func(deps *SettlementServiceDeps) { deps.Querier = querier })
		redirect := f.checkout(t, "", "c1")

		result, err := f.service.Reconcile(context.Background(), redirect.PaymentKey, time.Time{})
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if result.Outcome != OutcomeFailed || result.GatewayCode != "02" {
			t.Fatalf("expected failed, got %+v", result)
		}
	})

	t.Run("gateway unavailable keeps session", func(t *testing.T) {
		querier := &stubQuerier{queryFn: func(payments.QueryRequest) (payments.QueryResult, error) {
			return payments.QueryResult{}, payments.ErrQueryUnavailable
		}}
		f := newSettlementFixture(t, func(deps *SettlementServiceDeps) { deps.Querier = querier })
		redirect := f.checkout(t, "", "c1")

		if _, err := f.service.Reconcile(context.Background(), redirect.PaymentKey, time.Time{}); !errors.Is(err, ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
		if f.sessionCount() != 1 {
			t.Fatalf("expected session kept")
		}
	})

	t.Run("without querier", func(t *testing.T) {
		f := newSettlementFixture(t)
		if _, err := f.service.Reconcile(context.Background(), "payment_u1_x", time.Time{}); !errors.Is(err, ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
	})
}

func TestPaymentStatusIsScopedToPayer(t *testing.T) {
	f := newSettlementFixture(t)
	redirect := f.checkout(t, "", "c1")

	status, err := f.service.PaymentStatus(context.Background(), "u1", redirect.PaymentKey)
	if err != nil {
		t.Fatalf("payment status: %v", err)
	}
	if status.State != PaymentStatePending || status.Total != 300000 {
		t.Fatalf("expected pending status, got %+v", status)
	}

	other, err := f.service.PaymentStatus(context.Background(), "u2", redirect.PaymentKey)
	if err != nil {
		t.Fatalf("payment status: %v", err)
	}
	if other.State != PaymentStateUnknown || other.Total != 0 {
		t.Fatalf("expected foreign payer to see unknown, got %+v", other)
	}

	result, err := f.service.HandleCallback(context.Background(), signedCallback(redirect.PaymentKey, payments.MinorUnits(redirect.Amount), "00"))
	if err != nil || result.Outcome != OutcomeSettled {
		t.Fatalf("expected settled, got %+v err=%v", result, err)
	}
	if _, err := f.service.GetOrder(context.Background(), "u2", result.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign payer, got %v", err)
	}
	if _, err := f.service.GetOrder(context.Background(), "u1", "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for unknown order, got %v", err)
	}
}

func TestValidPhone(t *testing.T) {
	cases := map[string]bool{
		"0901234567":            true,
		"+84 901 234 567":       true,
		"090.123.4567":          true,
		"1234567":               false,
		"":                      false,
		"0901234567x":           false,
		"+84 (901) 234 567":     false,
		"123456789012345678901": false,
	}
	for in, want := range cases {
		if got := validPhone(in); got != want {
			t.Fatalf("validPhone(%q): expected %v, got %v", in, want, got)
		}
	}
}
