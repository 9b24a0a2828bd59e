package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const (
	cartCollection = "carts"
)

// CartRepository persists one cart document per user, keyed by user id, with items embedded.
type CartRepository struct {
	docs *pfirestore.Collection
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{docs: pfirestore.NewCollection(provider, cartCollection)}, nil
}

func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	snap, err := r.docs.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	var doc cartDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Cart{}, fmt.Errorf("decode cart %s: %w", userID, err)
	}
	return doc.toDomain(userID), nil
}

func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	now := time.Now().UTC()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = now
	}
	doc := newCartDocument(cart)

	if err := r.docs.Set(ctx, userID, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(userID), nil
}

// Clear empties the cart with a merge write, keeping createdAt and never reading.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	payload := map[string]any{
		"items":     []cartItemDocument{},
		"updatedAt": time.Now().UTC(),
	}
	return r.docs.Set(ctx, userID, payload, firestore.MergeAll)
}

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID        string    `firestore:"id"`
	ProductID string    `firestore:"productId"`
	Quantity  int64     `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{
		Items:     make([]cartItemDocument, 0, len(cart.Items)),
		CreatedAt: cart.CreatedAt.UTC(),
		UpdatedAt: cart.UpdatedAt.UTC(),
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  int64(item.Quantity),
			AddedAt:   item.AddedAt.UTC(),
		})
	}
	return doc
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	cart := domain.Cart{
		ID:        userID,
		UserID:    userID,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  int(item.Quantity),
			AddedAt:   item.AddedAt,
		})
	}
	return cart
}
