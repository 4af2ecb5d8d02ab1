package services

import (
	"context"
	"time"

	"github.com/bookstore/payments/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Voucher        = domain.Voucher
	PaymentSession = domain.PaymentSession
	Order          = domain.Order
	OrderDetail    = domain.OrderDetail
	Quote          = domain.Quote
	HealthReport   = domain.HealthReport
)

// Logger is the structured logging hook services emit events through.
type Logger func(ctx context.Context, event string, fields map[string]any)

// VoucherLedger validates vouchers, prices them and records their usage.
type VoucherLedger interface {
	// Validate looks the code up. found is false for unknown codes; err is reserved for storage failures.
	Validate(ctx context.Context, code string) (voucher Voucher, found bool, err error)
	IsValid(voucher Voucher, now time.Time) bool
	ComputeDiscount(voucher Voucher, subtotal int64) int64
	Apply(ctx context.Context, code string) (Voucher, error)
}

// PaymentSessionStore reserves cart selections for a single gateway round-trip.
type PaymentSessionStore interface {
	Initiate(ctx context.Context, cmd InitiateCommand) (PaymentSession, error)
	Peek(ctx context.Context, paymentKey string) (session PaymentSession, found bool, err error)
	// Finalize removes the session for settlement. Only one concurrent caller gets found=true.
	Finalize(ctx context.Context, paymentKey string) (session PaymentSession, found bool, err error)
	// Cancel removes the session without touching the cart.
	Cancel(ctx context.Context, paymentKey string) (session PaymentSession, found bool, err error)
	Restore(ctx context.Context, session PaymentSession) error
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// SettlementService drives checkout and turns gateway callbacks into orders.
type SettlementService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutRedirect, error)
	HandleCallback(ctx context.Context, params map[string]string) (SettlementResult, error)
	PaymentStatus(ctx context.Context, payerID, paymentKey string) (PaymentStatusView, error)
	GetOrder(ctx context.Context, payerID, orderID string) (Order, error)
	Reconcile(ctx context.Context, paymentKey string, transactionDate time.Time) (SettlementResult, error)
}

// LoginService authenticates email and password pairs behind the login rate limiter.
type LoginService interface {
	Login(ctx context.Context, cmd LoginCommand) (LoginResult, error)
}

// SystemService reports dependency health for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// InitiateCommand selects cart items for a payment session.
type InitiateCommand struct {
	CartItemIDs     []string
	VoucherCode     string
	PayerID         string
	ShippingAddress string
	PhoneNumber     string
}

// StartCheckoutCommand is the payer's checkout request.
type StartCheckoutCommand struct {
	CartItemIDs     []string
	VoucherCode     string
	PayerID         string
	ShippingAddress string
	PhoneNumber     string
	ClientIP        string
	Locale          string
	BankCode        string
}

// CheckoutRedirect points the payer at the hosted payment page.
type CheckoutRedirect struct {
	PaymentKey  string
	RedirectURL string
	Amount      int64
	Quote       Quote
	ExpiresAt   time.Time
}

// SettlementOutcome classifies a callback.
type SettlementOutcome string

const (
	OutcomeSettled          SettlementOutcome = "settled"
	OutcomeFailed           SettlementOutcome = "failed"
	OutcomeInvalidSignature SettlementOutcome = "invalid_signature"
	OutcomeAlreadyProcessed SettlementOutcome = "already_processed"
	OutcomeAmountMismatch   SettlementOutcome = "amount_mismatch"
	// OutcomePending means the gateway has not finished the transaction; the session is kept.
	OutcomePending SettlementOutcome = "pending"
)

// SettlementResult is the outcome of one callback. Err carries the sentinel for
// non-settled outcomes so callers can match it with errors.Is.
type SettlementResult struct {
	Outcome     SettlementOutcome
	PaymentKey  string
	OrderID     string
	GatewayCode string
	Err         error
}

// PaymentState is the payer-visible progress of a checkout.
type PaymentState string

const (
	PaymentStatePending PaymentState = "PENDING"
	PaymentStatePaid    PaymentState = "PAID"
	PaymentStateUnknown PaymentState = "UNKNOWN"
)

// PaymentStatusView answers a payer polling for the result of a checkout.
type PaymentStatusView struct {
	PaymentKey string
	State      PaymentState
	OrderID    string
	Total      int64
	ExpiresAt  time.Time
}

// LoginCommand carries submitted credentials.
type LoginCommand struct {
	Email    string
	Password string
}

// LoginResult is the issued access token.
type LoginResult struct {
	PayerID     string
	AccessToken string
	ExpiresAt   time.Time
}

// OrderSettledEvent is published after an order is persisted.
type OrderSettledEvent struct {
	OrderID       string    `json:"orderId"`
	PayerID       string    `json:"payerId"`
	PaymentKey    string    `json:"paymentKey"`
	Total         int64     `json:"total"`
	Discount      int64     `json:"discount"`
	VoucherCode   string    `json:"voucherCode,omitempty"`
	TransactionNo string    `json:"transactionNo,omitempty"`
	SettledAt     time.Time `json:"settledAt"`
}

// SettlementEventPublisher delivers order events to downstream consumers.
type SettlementEventPublisher interface {
	PublishOrderSettled(ctx context.Context, event OrderSettledEvent) error
}

// SettlementMetrics receives business counters. All methods must be safe for concurrent use.
type SettlementMetrics interface {
	CheckoutStarted()
	SettlementOutcome(outcome string)
	VoucherApplyFailed()
	SessionsSwept(count int)
}

type noopMetrics struct{}

func (noopMetrics) CheckoutStarted()         {}
func (noopMetrics) SettlementOutcome(string) {}
func (noopMetrics) VoucherApplyFailed()      {}
func (noopMetrics) SessionsSwept(int)        {}

func noopLogger(context.Context, string, map[string]any) {}
