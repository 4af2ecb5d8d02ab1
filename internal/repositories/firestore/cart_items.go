package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/bookstore/payments/internal/domain"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	"github.com/bookstore/payments/internal/repositories"
)

type cartItemDocument struct {
	PayerID       string    `firestore:"payerId"`
	BookVariantID string    `firestore:"bookVariantId"`
	Title         string    `firestore:"title"`
	Quantity      int       `firestore:"quantity"`
	UnitPrice     int64     `firestore:"unitPrice"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

// CartItemRepository reads cart lines stored one document per item.
type CartItemRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.Collection[cartItemDocument]
}

var _ repositories.CartItemRepository = (*CartItemRepository)(nil)

func NewCartItemRepository(provider *pfirestore.Provider) *CartItemRepository {
	return &CartItemRepository{
		provider: provider,
		items:    pfirestore.NewCollection[cartItemDocument](provider, cartItemsCollection),
	}
}

// Put writes items. Used for seeding and tests.
func (r *CartItemRepository) Put(ctx context.Context, items ...domain.CartItem) error {
	for _, item := range items {
		doc := cartItemDocument{
			PayerID:       item.PayerID,
			BookVariantID: item.BookVariantID,
			Title:         item.Title,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			UpdatedAt:     item.UpdatedAt.UTC(),
		}
		if err := r.items.Set(ctx, item.ID, doc); err != nil {
			return err
		}
	}
	return nil
}

func (r *CartItemRepository) FindByIDs(ctx context.Context, ids []string) ([]domain.CartItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, repositories.NewUnavailable("cart_items.find", err)
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		ref, err := r.items.Doc(ctx, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("cart_items.find", err)
	}
	items := make([]domain.CartItem, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		doc, err := pfirestore.Decode[cartItemDocument](snap)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.CartItem{
			ID:            snap.Ref.ID,
			PayerID:       doc.PayerID,
			BookVariantID: doc.BookVariantID,
			Title:         doc.Title,
			Quantity:      doc.Quantity,
			UnitPrice:     doc.UnitPrice,
			UpdatedAt:     doc.UpdatedAt,
		})
	}
	return items, nil
}

func (r *CartItemRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range ids {
			ref, err := r.items.Doc(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return nil
	})
}
