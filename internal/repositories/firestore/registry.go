// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

const (
	cartItemsCollection     = "cartItems"
	vouchersCollection      = "vouchers"
	ordersCollection        = "orders"
	orderPaymentsCollection = "orderPayments"
	sessionsCollection      = "paymentSessions"
	credentialsCollection   = "credentials"
)

// Registry exposes Firestore repositories sharing one provider.
type Registry struct {
	provider    *pfirestore.Provider
	cartItems   *CartItemRepository
	vouchers    *VoucherRepository
	orders      *OrderRepository
	sessions    *PaymentSessionRepository
	credentials *CredentialRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository onto provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	return &Registry{
		provider:    provider,
		cartItems:   NewCartItemRepository(provider),
		vouchers:    NewVoucherRepository(provider),
		orders:      NewOrderRepository(provider),
		sessions:    NewPaymentSessionRepository(provider),
		credentials: NewCredentialRepository(provider),
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) CartItems() repositories.CartItemRepository { return r.cartItems }

func (r *Registry) Vouchers() repositories.VoucherRepository { return r.vouchers }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) PaymentSessions() repositories.PaymentSessionRepository { return r.sessions }

func (r *Registry) Credentials() repositories.CredentialRepository { return r.credentials }

// Ping reports whether Firestore is reachable.
func (r *Registry) Ping(ctx context.Context) error { return r.provider.Ping(ctx) }
