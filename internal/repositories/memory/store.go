// Package memory provides a process-local store implementing the repository interfaces.
// A single mutex serialises units of work; a failed unit restores the snapshot taken on entry.
package memory

import (
	"context"
	"sync"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

type txKey struct{}

type state struct {
	products map[string]domain.Product
	carts    map[string]domain.Cart
	orders   map[string]domain.Order
}

// Store keeps products, carts, and orders in memory.
type Store struct {
	mu    sync.Mutex
	state state
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: state{
		products: make(map[string]domain.Product),
		carts:    make(map[string]domain.Cart),
		orders:   make(map[string]domain.Order),
	}}
}

// RunInTx executes fn while holding the store lock. Nested calls join the outer unit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Products() repositories.ProductRepository { return productRepository{store: s} }
func (s *Store) Carts() repositories.CartRepository       { return cartRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return orderRepository{store: s} }

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// with runs fn against the state, taking the lock unless ctx already holds it.
func (s *Store) with(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(&s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

func (st state) clone() state {
	out := state{
		products: make(map[string]domain.Product, len(st.products)),
		carts:    make(map[string]domain.Cart, len(st.carts)),
		orders:   make(map[string]domain.Order, len(st.orders)),
	}
	for id, product := range st.products {
		out.products[id] = cloneProduct(product)
	}
	for id, cart := range st.carts {
		out.carts[id] = cloneCart(cart)
	}
	for id, order := range st.orders {
		out.orders[id] = cloneOrder(order)
	}
	return out
}

func cloneProduct(product domain.Product) domain.Product {
	out := product
	if product.Stock != nil {
		stock := *product.Stock
		out.Stock = &stock
	}
	out.Offers = append(domain.OfferTable(nil), product.Offers...)
	out.Images = append([]string(nil), product.Images...)
	return out
}

func cloneCart(cart domain.Cart) domain.Cart {
	out := cart
	out.Items = append([]domain.CartItem(nil), cart.Items...)
	return out
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.CancelledAt != nil {
		ts := *order.CancelledAt
		out.CancelledAt = &ts
	}
	if order.DeliveredAt != nil {
		ts := *order.DeliveredAt
		out.DeliveredAt = &ts
	}
	return out
}

func notFound(op string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, nil)
}
