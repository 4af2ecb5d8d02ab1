package firestore

import (
	"context"
	"strings"

	"github.com/bookstore/payments/internal/domain"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

type credentialDocument struct {
	PayerID      string   `firestore:"payerId"`
	PasswordHash []byte   `firestore:"passwordHash"`
	Roles        []string `firestore:"roles"`
}

// CredentialRepository keys credentials by lower-cased email.
type CredentialRepository struct {
	credentials *pfirestore.Collection[credentialDocument]
}

var _ repositories.CredentialRepository = (*CredentialRepository)(nil)

func NewCredentialRepository(provider *pfirestore.Provider) *CredentialRepository {
	return &CredentialRepository{
		credentials: pfirestore.NewCollection[credentialDocument](provider, credentialsCollection),
	}
}

// Put upserts a credential. Used for seeding and tests.
func (r *CredentialRepository) Put(ctx context.Context, cred domain.Credential) error {
	return r.credentials.Set(ctx, normaliseEmail(cred.Email), credentialDocument{
		PayerID:      cred.PayerID,
		PasswordHash: cred.PasswordHash,
		Roles:        cred.Roles,
	})
}

func (r *CredentialRepository) FindByEmail(ctx context.Context, email string) (domain.Credential, error) {
	key := normaliseEmail(email)
	if key == "" {
		return domain.Credential{}, repositories.NewNotFound("credentials.find", "email is empty")
	}
	doc, err := r.credentials.Get(ctx, key)
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{
		PayerID:      doc.PayerID,
		Email:        key,
		PasswordHash: doc.PasswordHash,
		Roles:        doc.Roles,
	}, nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
