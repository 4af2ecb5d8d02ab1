package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	"github.com/bookstore/payments/internal/domain"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

// Settlements sharing a voucher contend on one document.
const voucherTxAttempts = 10

// voucherDocument stores the discount value as a decimal string so percentages keep their scale.
type voucherDocument struct {
	Name          string     `firestore:"name"`
	Description   string     `firestore:"description,omitempty"`
	DiscountType  string     `firestore:"discountType"`
	DiscountValue string     `firestore:"discountValue"`
	MaxDiscount   *int64     `firestore:"maxDiscount,omitempty"`
	MinOrderValue *int64     `firestore:"minOrderValue,omitempty"`
	Quantity      *int64     `firestore:"quantity,omitempty"`
	UsedCount     int        `firestore:"usedCount"`
	StartDate     *time.Time `firestore:"startDate,omitempty"`
	EndDate       *time.Time `firestore:"endDate,omitempty"`
	Status        string     `firestore:"status"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func newVoucherDocument(v domain.Voucher) voucherDocument {
	kind, value, maxDiscount := domain.DiscountFields(v.Discount)
	doc := voucherDocument{
		Name:          v.Name,
		Description:   v.Description,
		DiscountType:  kind,
		DiscountValue: value.String(),
		MaxDiscount:   maxDiscount,
		MinOrderValue: v.MinOrderValue,
		UsedCount:     v.UsedCount,
		StartDate:     v.StartDate,
		EndDate:       v.EndDate,
		Status:        string(v.Status),
		UpdatedAt:     v.UpdatedAt.UTC(),
	}
	if v.Quantity != nil {
		qty := int64(*v.Quantity)
		doc.Quantity = &qty
	}
	return doc
}

func (d voucherDocument) toDomain(code string) (domain.Voucher, error) {
	value, err := decimal.NewFromString(d.DiscountValue)
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("voucher %s: parse discount value: %w", code, err)
	}
	discount, err := domain.NewDiscount(d.DiscountType, value, d.MaxDiscount)
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("voucher %s: %w", code, err)
	}
	v := domain.Voucher{
		Code:          code,
		Name:          d.Name,
		Description:   d.Description,
		Discount:      discount,
		MinOrderValue: d.MinOrderValue,
		UsedCount:     d.UsedCount,
		StartDate:     d.StartDate,
		EndDate:       d.EndDate,
		Status:        domain.VoucherStatus(d.Status),
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Quantity != nil {
		qty := int(*d.Quantity)
		v.Quantity = &qty
	}
	return v, nil
}

// VoucherRepository keys vouchers by normalised code and serialises usage updates in transactions.
type VoucherRepository struct {
	provider *pfirestore.Provider
	vouchers *pfirestore.Collection[voucherDocument]
}

var _ repositories.VoucherRepository = (*VoucherRepository)(nil)

func NewVoucherRepository(provider *pfirestore.Provider) *VoucherRepository {
	return &VoucherRepository{
		provider: provider,
		vouchers: pfirestore.NewCollection[voucherDocument](provider, vouchersCollection),
	}
}

// Put upserts a voucher. Used for seeding and tests.
func (r *VoucherRepository) Put(ctx context.Context, v domain.Voucher) error {
	return r.vouchers.Set(ctx, domain.NormalizeVoucherCode(v.Code), newVoucherDocument(v))
}

func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	if code == "" {
		return domain.Voucher{}, repositories.NewNotFound("vouchers.find", "voucher code is empty")
	}
	doc, err := r.vouchers.Get(ctx, code)
	if err != nil {
		return domain.Voucher{}, err
	}
	return doc.toDomain(code)
}

// UpdateUsage runs fn inside a transaction. Firestore retries the transaction when another
// writer touched the document, so fn can be invoked more than once.
func (r *VoucherRepository) UpdateUsage(ctx context.Context, code string, fn repositories.VoucherMutation) (domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	var updated domain.Voucher
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.vouchers.Doc(ctx, code)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("vouchers.update_usage", err)
		}
		doc, err := pfirestore.Decode[voucherDocument](snap)
		if err != nil {
			return err
		}
		current, err := doc.toDomain(code)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.Code = code
		if err := tx.Set(ref, newVoucherDocument(next)); err != nil {
			return err
		}
		updated = next
		return nil
	}, pfirestore.WithTxAttempts(voucherTxAttempts))
	if err != nil {
		return domain.Voucher{}, err
	}
	return updated, nil
}
