package memory

import (
	"context"
	"sync"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

// VoucherStore serialises usage updates with a single mutex.
type VoucherStore struct {
	mu       sync.Mutex
	vouchers map[string]domain.Voucher
}

var _ repositories.VoucherRepository = (*VoucherStore)(nil)

func NewVoucherStore() *VoucherStore {
	return &VoucherStore{vouchers: make(map[string]domain.Voucher)}
}

// Put inserts or replaces vouchers under their normalised codes.
func (s *VoucherStore) Put(vouchers ...domain.Voucher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vouchers {
		v.Code = domain.NormalizeVoucherCode(v.Code)
		s.vouchers[v.Code] = cloneVoucher(v)
	}
}

func (s *VoucherStore) FindByCode(_ context.Context, code string) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return domain.Voucher{}, repositories.NewNotFound("vouchers.find", "voucher %s not found", code)
	}
	return cloneVoucher(v), nil
}

func (s *VoucherStore) UpdateUsage(_ context.Context, code string, fn repositories.VoucherMutation) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.vouchers[code]
	if !ok {
		return domain.Voucher{}, repositories.NewNotFound("vouchers.update_usage", "voucher %s not found", code)
	}
	next, err := fn(cloneVoucher(current))
	if err != nil {
		return domain.Voucher{}, err
	}
	next.Code = code
	s.vouchers[code] = cloneVoucher(next)
	return cloneVoucher(next), nil
}

func cloneVoucher(v domain.Voucher) domain.Voucher {
	out := v
	if v.MinOrderValue != nil {
		minValue := *v.MinOrderValue
		out.MinOrderValue = &minValue
	}
	if v.Quantity != nil {
		qty := *v.Quantity
		out.Quantity = &qty
	}
	if v.StartDate != nil {
		start := *v.StartDate
		out.StartDate = &start
	}
	if v.EndDate != nil {
		end := *v.EndDate
		out.EndDate = &end
	}
	if pct, ok := v.Discount.(domain.PercentageDiscount); ok && pct.Cap != nil {
		limit := *pct.Cap
		pct.Cap = &limit
		out.Discount = pct
	}
	return out
}
