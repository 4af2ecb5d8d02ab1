package repositories

import (
	"context"
	"time"

	"github.com/bookstore/payments/internal/domain"
)

// Registry exposes the repositories of one storage backend.
type Registry interface {
	Close(ctx context.Context) error

	CartItems() CartItemRepository
	Vouchers() VoucherRepository
	Orders() OrderRepository
	PaymentSessions() PaymentSessionRepository
	Credentials() CredentialRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartItemRepository reads cart lines priced at the current catalog price.
type CartItemRepository interface {
	// FindByIDs returns the items that exist, in no particular order. Missing ids are simply absent.
	FindByIDs(ctx context.Context, ids []string) ([]domain.CartItem, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// VoucherMutation inspects the current voucher and returns its replacement.
// Returning an error aborts the update without writing.
type VoucherMutation func(current domain.Voucher) (domain.Voucher, error)

// VoucherRepository stores vouchers keyed by normalised code.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Voucher, error)
	// UpdateUsage applies fn as one serialised read-modify-write. Concurrent calls for the
	// same code observe each other's writes.
	UpdateUsage(ctx context.Context, code string, fn VoucherMutation) (domain.Voucher, error)
}

// OrderRepository persists settled orders together with their details.
type OrderRepository interface {
	// Create fails with a conflict RepositoryError when an order for the same payment key exists.
	Create(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Order, error)
}

// PaymentSessionRepository keeps pending payment sessions keyed by payment key.
type PaymentSessionRepository interface {
	// Insert fails with a conflict RepositoryError when the key is already present.
	Insert(ctx context.Context, session domain.PaymentSession) error
	Get(ctx context.Context, paymentKey string) (domain.PaymentSession, error)
	// Take atomically removes and returns the session. Exactly one concurrent caller succeeds;
	// the others receive a not-found RepositoryError.
	Take(ctx context.Context, paymentKey string) (domain.PaymentSession, error)
	// DeleteExpired removes up to limit sessions whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// CredentialRepository resolves login credentials by email.
type CredentialRepository interface {
	FindByEmail(ctx context.Context, email string) (domain.Credential, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
