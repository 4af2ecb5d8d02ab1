package domain

import (
	"time"
)

// CartItem is a line a payer has placed in their cart. UnitPrice reflects the live catalog price of the variant.
type CartItem struct {
	ID            string
	PayerID       string
	BookVariantID string
	Title         string
	Quantity      int
	UnitPrice     int64
	UpdatedAt     time.Time
}

// LineTotal returns the extended price of the line.
func (i CartItem) LineTotal() int64 {
	if i.Quantity <= 0 {
		return 0
	}
	return i.UnitPrice * int64(i.Quantity)
}

// Quote is the priced view of a cart selection at the time checkout started.
type Quote struct {
	Subtotal int64
	Discount int64
	Total    int64
}

// SessionLine is a cart line frozen at the price it was quoted for.
type SessionLine struct {
	CartItemID    string
	BookVariantID string
	Quantity      int
	UnitPrice     int64
}

// LineTotal returns the extended quoted price of the line.
func (l SessionLine) LineTotal() int64 {
	if l.Quantity <= 0 {
		return 0
	}
	return l.UnitPrice * int64(l.Quantity)
}

// PaymentSession holds the cart selection reserved for a single gateway round-trip.
// Lines carry the quoted prices; settlement builds order details from them, not from the live cart.
type PaymentSession struct {
	PaymentKey      string
	CartItemIDs     []string
	Lines           []SessionLine
	VoucherCode     string
	PayerID         string
	ShippingAddress string
	PhoneNumber     string
	Quote           Quote
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// LinesSubtotal sums the quoted lines.
func (s PaymentSession) LinesSubtotal() int64 {
	var total int64
	for _, line := range s.Lines {
		total += line.LineTotal()
	}
	return total
}

// Expired reports whether the session is past its expiry at the supplied instant.
func (s PaymentSession) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// PaymentType identifies how an order was paid.
type PaymentType string

const (
	PaymentTypeBanking PaymentType = "BANKING"
	PaymentTypeCOD     PaymentType = "COD"
)

// Order is a settled purchase. Details are owned by the order and written together with it.
type Order struct {
	ID              string
	PayerID         string
	PaymentKey      string
	ShippingAddress string
	PhoneNumber     string
	Status          OrderStatus
	PaymentType     PaymentType
	VoucherCode     string
	Subtotal        int64
	Discount        int64
	Total           int64
	TransactionNo   string
	BankCode        string
	PaidAt          time.Time
	CreatedAt       time.Time
	Details         []OrderDetail
}

// OrderDetail freezes the price of a variant at settlement time.
type OrderDetail struct {
	OrderID            string
	BookVariantID      string
	Quantity           int
	UnitPricePurchased int64
}

// Credential is the stored login secret for an email identity.
type Credential struct {
	PayerID      string
	Email        string
	PasswordHash []byte
	Roles        []string
}

// HealthStatus enumerates readiness outcomes.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the result of probing one dependency.
type HealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
