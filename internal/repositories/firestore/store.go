// Package firestore implements the repository interfaces on Cloud Firestore.
// Every repository joins the transaction carried by the context, so a unit of
// work must finish all reads before its first write.
package firestore

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// Store bundles the Firestore repositories behind repositories.Registry.
type Store struct {
	provider *pfirestore.Provider
	products *ProductRepository
	carts    *CartRepository
	orders   *OrderRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires the Firestore repositories against a shared provider.
func NewStore(provider *pfirestore.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires firestore provider")
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Store{
		provider: provider,
		products: products,
		carts:    carts,
		orders:   orders,
	}, nil
}

func (s *Store) Products() repositories.ProductRepository { return s.products }
func (s *Store) Carts() repositories.CartRepository       { return s.carts }
func (s *Store) Orders() repositories.OrderRepository     { return s.orders }

// RunInTx executes fn inside a Firestore transaction. Firestore may retry fn on contention.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.provider.RunInTx(ctx, fn)
}

// Ping issues a single-document read to confirm the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(productCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the shared client.
func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}
