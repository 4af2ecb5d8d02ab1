package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/bookstore/payments/internal/domain"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

type orderDocument struct {
	PayerID         string                `firestore:"payerId"`
	PaymentKey      string                `firestore:"paymentKey"`
	ShippingAddress string                `firestore:"shippingAddress"`
	PhoneNumber     string                `firestore:"phoneNumber"`
	Status          string                `firestore:"status"`
	PaymentType     string                `firestore:"paymentType"`
	VoucherCode     string                `firestore:"voucherCode,omitempty"`
	Subtotal        int64                 `firestore:"subtotal"`
	Discount        int64                 `firestore:"discount"`
	Total           int64                 `firestore:"total"`
	TransactionNo   string                `firestore:"transactionNo,omitempty"`
	BankCode        string                `firestore:"bankCode,omitempty"`
	PaidAt          time.Time             `firestore:"paidAt"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	Details         []orderDetailDocument `firestore:"details"`
}

type orderDetailDocument struct {
	BookVariantID      string `firestore:"bookVariantId"`
	Quantity           int    `firestore:"quantity"`
	UnitPricePurchased int64  `firestore:"unitPricePurchased"`
}

// orderPaymentDocument reserves a payment key for exactly one order.
type orderPaymentDocument struct {
	OrderID string `firestore:"orderId"`
}

// OrderRepository writes the order and its payment-key index in one transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	payments *pfirestore.Collection[orderPaymentDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		payments: pfirestore.NewCollection[orderPaymentDocument](provider, orderPaymentsCollection),
	}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	doc := orderDocument{
		PayerID:         order.PayerID,
		PaymentKey:      order.PaymentKey,
		ShippingAddress: order.ShippingAddress,
		PhoneNumber:     order.PhoneNumber,
		Status:          string(order.Status),
		PaymentType:     string(order.PaymentType),
		VoucherCode:     order.VoucherCode,
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		TransactionNo:   order.TransactionNo,
		BankCode:        order.BankCode,
		PaidAt:          order.PaidAt.UTC(),
		CreatedAt:       order.CreatedAt.UTC(),
		Details:         make([]orderDetailDocument, 0, len(order.Details)),
	}
	for _, d := range order.Details {
		doc.Details = append(doc.Details, orderDetailDocument{
			BookVariantID:      d.BookVariantID,
			Quantity:           d.Quantity,
			UnitPricePurchased: d.UnitPricePurchased,
		})
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.Doc(ctx, order.ID)
		if err != nil {
			return err
		}
		if order.PaymentKey != "" {
			paymentRef, err := r.payments.Doc(ctx, order.PaymentKey)
			if err != nil {
				return err
			}
			if _, err := tx.Get(paymentRef); err == nil {
				return repositories.NewConflict("orders.create", "order for payment %s already exists", order.PaymentKey)
			} else if !pfirestore.IsNotFound(err) {
				return err
			}
			if err := tx.Create(paymentRef, orderPaymentDocument{OrderID: order.ID}); err != nil {
				return err
			}
		}
		return tx.Create(orderRef, doc)
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

func (r *OrderRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Order, error) {
	index, err := r.payments.Get(ctx, paymentKey)
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, index.OrderID)
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:              id,
		PayerID:         d.PayerID,
		PaymentKey:      d.PaymentKey,
		ShippingAddress: d.ShippingAddress,
		PhoneNumber:     d.PhoneNumber,
		Status:          domain.OrderStatus(d.Status),
		PaymentType:     domain.PaymentType(d.PaymentType),
		VoucherCode:     d.VoucherCode,
		Subtotal:        d.Subtotal,
		Discount:        d.Discount,
		Total:           d.Total,
		TransactionNo:   d.TransactionNo,
		BankCode:        d.BankCode,
		PaidAt:          d.PaidAt,
		CreatedAt:       d.CreatedAt,
		Details:         make([]domain.OrderDetail, 0, len(d.Details)),
	}
	for _, detail := range d.Details {
		order.Details = append(order.Details, domain.OrderDetail{
			OrderID:            id,
			BookVariantID:      detail.BookVariantID,
			Quantity:           detail.Quantity,
			UnitPricePurchased: detail.UnitPricePurchased,
		})
	}
	return order
}
