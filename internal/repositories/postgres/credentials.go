package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

type CredentialRepository struct {
	db *sql.DB
}

var _ repositories.CredentialRepository = (*CredentialRepository)(nil)

// Put upserts a credential. Used for seeding and tests.
func (r *CredentialRepository) Put(ctx context.Context, cred domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO credentials (email, payer_id, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET payer_id = EXCLUDED.payer_id,
		password_hash = EXCLUDED.password_hash, roles = EXCLUDED.roles`,
		normaliseEmail(cred.Email), cred.PayerID, cred.PasswordHash, pq.Array(cred.Roles))
	return wrap("credentials.put", err)
}

func (r *CredentialRepository) FindByEmail(ctx context.Context, email string) (domain.Credential, error) {
	cred := domain.Credential{Email: normaliseEmail(email)}
	var roles pq.StringArray
	err := r.db.QueryRowContext(ctx, `SELECT payer_id, password_hash, roles FROM credentials WHERE email = $1`, cred.Email).
		Scan(&cred.PayerID, &cred.PasswordHash, &roles)
	if err != nil {
		return domain.Credential{}, wrap("credentials.find", err)
	}
	cred.Roles = []string(roles)
	return cred, nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
