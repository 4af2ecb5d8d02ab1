package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

// CredentialStore maps lower-cased emails to credentials.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]domain.Credential
}

var _ repositories.CredentialRepository = (*CredentialStore)(nil)

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]domain.Credential)}
}

// Put stores cred under its normalised email.
func (s *CredentialStore) Put(cred domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[strings.ToLower(strings.TrimSpace(cred.Email))] = cred
}

func (s *CredentialStore) FindByEmail(_ context.Context, email string) (domain.Credential, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[key]
	if !ok {
		return domain.Credential{}, repositories.NewNotFound("credentials.find", "no credential for %s", key)
	}
	return cred, nil
}
