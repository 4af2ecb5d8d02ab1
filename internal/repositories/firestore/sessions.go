package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/bookstore/payments/internal/domain"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

// Take runs on the gateway callback path.
const sessionTakeTimeout = 5 * time.Second

type sessionLineDocument struct {
	CartItemID    string `firestore:"cartItemId"`
	BookVariantID string `firestore:"bookVariantId"`
	Quantity      int    `firestore:"quantity"`
	UnitPrice     int64  `firestore:"unitPrice"`
}

type sessionDocument struct {
	CartItemIDs     []string              `firestore:"cartItemIds"`
	Lines           []sessionLineDocument `firestore:"lines"`
	VoucherCode     string                `firestore:"voucherCode,omitempty"`
	PayerID         string                `firestore:"payerId"`
	ShippingAddress string                `firestore:"shippingAddress"`
	PhoneNumber     string                `firestore:"phoneNumber"`
	Subtotal        int64                 `firestore:"subtotal"`
	Discount        int64                 `firestore:"discount"`
	Total           int64                 `firestore:"total"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	ExpiresAt       time.Time             `firestore:"expiresAt"`
}

func newSessionDocument(s domain.PaymentSession) sessionDocument {
	lines := make([]sessionLineDocument, 0, len(s.Lines))
	for _, line := range s.Lines {
		lines = append(lines, sessionLineDocument(line))
	}
	return sessionDocument{
		CartItemIDs:     append([]string(nil), s.CartItemIDs...),
		Lines:           lines,
		VoucherCode:     s.VoucherCode,
		PayerID:         s.PayerID,
		ShippingAddress: s.ShippingAddress,
		PhoneNumber:     s.PhoneNumber,
		Subtotal:        s.Quote.Subtotal,
		Discount:        s.Quote.Discount,
		Total:           s.Quote.Total,
		CreatedAt:       s.CreatedAt.UTC(),
		ExpiresAt:       s.ExpiresAt.UTC(),
	}
}

func (d sessionDocument) toDomain(key string) domain.PaymentSession {
	lines := make([]domain.SessionLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.SessionLine(line))
	}
	return domain.PaymentSession{
		PaymentKey:      key,
		CartItemIDs:     d.CartItemIDs,
		Lines:           lines,
		VoucherCode:     d.VoucherCode,
		PayerID:         d.PayerID,
		ShippingAddress: d.ShippingAddress,
		PhoneNumber:     d.PhoneNumber,
		Quote:           domain.Quote{Subtotal: d.Subtotal, Discount: d.Discount, Total: d.Total},
		CreatedAt:       d.CreatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}

// PaymentSessionRepository stores sessions under their payment key. Take reads and deletes in a
// transaction, so a second concurrent Take retries, sees the document gone and reports not found.
type PaymentSessionRepository struct {
	provider *pfirestore.Provider
	sessions *pfirestore.Collection[sessionDocument]
}

var _ repositories.PaymentSessionRepository = (*PaymentSessionRepository)(nil)

func NewPaymentSessionRepository(provider *pfirestore.Provider) *PaymentSessionRepository {
	return &PaymentSessionRepository{
		provider: provider,
		sessions: pfirestore.NewCollection[sessionDocument](provider, sessionsCollection),
	}
}

func (r *PaymentSessionRepository) Insert(ctx context.Context, session domain.PaymentSession) error {
	return r.sessions.Create(ctx, session.PaymentKey, newSessionDocument(session))
}

func (r *PaymentSessionRepository) Get(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	doc, err := r.sessions.Get(ctx, paymentKey)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return doc.toDomain(paymentKey), nil
}

func (r *PaymentSessionRepository) Take(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	var taken domain.PaymentSession
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.sessions.Doc(ctx, paymentKey)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("sessions.take", err)
		}
		doc, err := pfirestore.Decode[sessionDocument](snap)
		if err != nil {
			return err
		}
		taken = doc.toDomain(paymentKey)
		return tx.Delete(ref)
	}, pfirestore.WithTxTimeout(sessionTakeTimeout))
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return taken, nil
}

func (r *PaymentSessionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	docs, err := r.sessions.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("expiresAt", "<=", now.UTC()).OrderBy("expiresAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, doc := range docs {
		ref, err := r.sessions.Doc(ctx, doc.ID)
		if err != nil {
			return removed, err
		}
		// Exists guards against deleting a session a concurrent Take already removed.
		if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
			if pfirestore.IsNotFound(err) {
				continue
			}
			return removed, pfirestore.WrapError("sessions.delete_expired", err)
		}
		removed++
	}
	return removed, nil
}
