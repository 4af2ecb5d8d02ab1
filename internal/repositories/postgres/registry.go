// Package postgres implements the repositories on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	ppostgres "github.com/bookstore/payments/internal/platform/postgres"
	"github.com/bookstore/payments/internal/repositories"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema.
func Migrate(db *sql.DB) error {
	return ppostgres.Migrate(db, migrations, "migrations")
}

// Registry exposes SQL repositories sharing one pool.
type Registry struct {
	db *sql.DB
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wraps an open pool. The registry owns db and closes it on Close.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry requires db")
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close(context.Context) error { return r.db.Close() }

func (r *Registry) CartItems() repositories.CartItemRepository { return &CartItemRepository{db: r.db} }

func (r *Registry) Vouchers() repositories.VoucherRepository { return &VoucherRepository{db: r.db} }

func (r *Registry) Orders() repositories.OrderRepository { return &OrderRepository{db: r.db} }

func (r *Registry) PaymentSessions() repositories.PaymentSessionRepository {
	return &PaymentSessionRepository{db: r.db}
}

func (r *Registry) Credentials() repositories.CredentialRepository {
	return &CredentialRepository{db: r.db}
}

// Ping reports whether the database answers.
func (r *Registry) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// wrap categorises driver errors for the services layer.
func wrap(op string, err error) error {
	var repoErr repositories.RepositoryError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &repoErr):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return repositories.NewNotFound(op, "%w", err)
	case ppostgres.IsUniqueViolation(err):
		return repositories.NewConflict(op, "%w", err)
	case ppostgres.IsTransient(err):
		return repositories.NewUnavailable(op, err)
	default:
		return repositories.Wrap(op, err)
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
