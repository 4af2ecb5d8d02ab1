package memory

import (
	"context"
	"sync"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

// OrderStore indexes orders by id and by payment key.
type OrderStore struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	byPayment map[string]string
}

var _ repositories.OrderRepository = (*OrderStore)(nil)

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:    make(map[string]domain.Order),
		byPayment: make(map[string]string),
	}
}

func (s *OrderStore) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return repositories.NewConflict("orders.create", "order %s already exists", order.ID)
	}
	if order.PaymentKey != "" {
		if _, exists := s.byPayment[order.PaymentKey]; exists {
			return repositories.NewConflict("orders.create", "order for payment %s already exists", order.PaymentKey)
		}
		s.byPayment[order.PaymentKey] = order.ID
	}
	order.Details = append([]domain.OrderDetail(nil), order.Details...)
	s.orders[order.ID] = order
	return nil
}

func (s *OrderStore) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.find", "order %s not found", orderID)
	}
	order.Details = append([]domain.OrderDetail(nil), order.Details...)
	return order, nil
}

func (s *OrderStore) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Order, error) {
	s.mu.RLock()
	id, ok := s.byPayment[paymentKey]
	s.mu.RUnlock()
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.find_by_payment", "no order for payment %s", paymentKey)
	}
	return s.FindByID(ctx, id)
}

// Count returns the number of stored orders.
func (s *OrderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
