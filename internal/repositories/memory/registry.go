// Package memory provides process-local repositories for local development and tests.
package memory

import (
	"context"

	"github.com/bookstore/payments/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	cartItems   *CartItemStore
	vouchers    *VoucherStore
	orders      *OrderStore
	sessions    *SessionStore
	credentials *CredentialStore
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs empty in-memory repositories.
func NewRegistry() *Registry {
	return &Registry{
		cartItems:   NewCartItemStore(),
		vouchers:    NewVoucherStore(),
		orders:      NewOrderStore(),
		sessions:    NewSessionStore(),
		credentials: NewCredentialStore(),
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) CartItems() repositories.CartItemRepository { return r.cartItems }

func (r *Registry) Vouchers() repositories.VoucherRepository { return r.vouchers }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) PaymentSessions() repositories.PaymentSessionRepository { return r.sessions }

func (r *Registry) Credentials() repositories.CredentialRepository { return r.credentials }

// CartItemStore exposes the concrete cart store for seeding.
func (r *Registry) CartItemStore() *CartItemStore { return r.cartItems }

// VoucherStore exposes the concrete voucher store for seeding.
func (r *Registry) VoucherStore() *VoucherStore { return r.vouchers }

// CredentialStore exposes the concrete credential store for seeding.
func (r *Registry) CredentialStore() *CredentialStore { return r.credentials }
