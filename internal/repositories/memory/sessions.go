package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

// SessionStore holds pending payment sessions. Take is a delete under the lock, so only one
// caller can observe a given session.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.PaymentSession
}

var _ repositories.PaymentSessionRepository = (*SessionStore)(nil)

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.PaymentSession)}
}

func (s *SessionStore) Insert(_ context.Context, session domain.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.PaymentKey]; exists {
		return repositories.NewConflict("sessions.insert", "session %s already exists", session.PaymentKey)
	}
	session.CartItemIDs = append([]string(nil), session.CartItemIDs...)
	session.Lines = append([]domain.SessionLine(nil), session.Lines...)
	s.sessions[session.PaymentKey] = session
	return nil
}

func (s *SessionStore) Get(_ context.Context, paymentKey string) (domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[paymentKey]
	if !ok {
		return domain.PaymentSession{}, repositories.NewNotFound("sessions.get", "session %s not found", paymentKey)
	}
	session.CartItemIDs = append([]string(nil), session.CartItemIDs...)
	session.Lines = append([]domain.SessionLine(nil), session.Lines...)
	return session, nil
}

func (s *SessionStore) Take(_ context.Context, paymentKey string) (domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[paymentKey]
	if !ok {
		return domain.PaymentSession{}, repositories.NewNotFound("sessions.take", "session %s not found", paymentKey)
	}
	delete(s.sessions, paymentKey)
	return session, nil
}

func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.sessions) {
		limit = len(s.sessions)
	}
	removed := 0
	for key, session := range s.sessions {
		if removed >= limit {
			break
		}
		if !session.Expired(now) {
			continue
		}
		delete(s.sessions, key)
		removed++
	}
	return removed, nil
}

// Len returns the number of pending sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
