package memory

import (
	"context"
	"sync"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

// CartItemStore keeps cart lines in a map keyed by item id.
type CartItemStore struct {
	mu    sync.RWMutex
	items map[string]domain.CartItem
}

var _ repositories.CartItemRepository = (*CartItemStore)(nil)

func NewCartItemStore() *CartItemStore {
	return &CartItemStore{items: make(map[string]domain.CartItem)}
}

// Put inserts or replaces items.
func (s *CartItemStore) Put(items ...domain.CartItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.ID] = item
	}
}

// SetUnitPrice changes the live price of every line for the variant.
func (s *CartItemStore) SetUnitPrice(variantID string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.BookVariantID == variantID {
			item.UnitPrice = price
			s.items[id] = item
		}
	}
}

func (s *CartItemStore) FindByIDs(_ context.Context, ids []string) ([]domain.CartItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make([]domain.CartItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			found = append(found, item)
		}
	}
	return found, nil
}

func (s *CartItemStore) DeleteByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}
