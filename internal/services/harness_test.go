package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories/memory"
)

var (
	customer = Actor{UserID: "user-1", Role: domain.ActorRoleCustomer}
	stranger = Actor{UserID: "user-2", Role: domain.ActorRoleCustomer}
	admin    = Actor{UserID: "admin-1", Role: domain.ActorRoleAdmin}
)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store    *memory.Store
	ledger   *StockLedger
	carts    CartService
	orders   OrderService
	products ProductService
	events   *captureOrderEvents
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:  memory.NewStore(),
		events: &captureOrderEvents{},
		now:    time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("%04d", seq.Add(1)) }

	ledger, err := NewStockLedger(StockLedgerDeps{Products: h.store.Products(), UnitOfWork: h.store})
	require.NoError(t, err)
	h.ledger = ledger

	h.carts, err = NewCartService(CartServiceDeps{
		Carts:       h.store.Carts(),
		Products:    h.store.Products(),
		UnitOfWork:  h.store,
		Clock:       clock,
		IDGenerator: ids,
	})
	require.NoError(t, err)

	h.orders, err = NewOrderService(OrderServiceDeps{
		Orders:        h.store.Orders(),
		Carts:         h.store.Carts(),
		Products:      h.store.Products(),
		Stock:         ledger,
		UnitOfWork:    h.store,
		Clock:         clock,
		IDGenerator:   ids,
		CodeGenerator: func() (string, error) { return "424242", nil },
		Events:        h.events,
	})
	require.NoError(t, err)

	h.products, err = NewProductService(ProductServiceDeps{
		Products:   h.store.Products(),
		Stock:      ledger,
		UnitOfWork: h.store,
		Clock:      clock,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seedProduct(t *testing.T, id string, mrp int64, stock *int, offers map[int]int) {
	t.Helper()
	_, err := h.store.Products().Upsert(context.Background(), domain.Product{
		ID:     id,
		Name:   "Product " + id,
		MRP:    mrp,
		Offers: domain.NewOfferTable(offers),
		Images: []string{"gs://catalog/" + id + ".png"},
		Stock:  stock,
	})
	require.NoError(t, err)
}

func (h *harness) stockOf(t *testing.T, id string) *int {
	t.Helper()
	product, err := h.store.Products().Get(context.Background(), id)
	require.NoError(t, err)
	return product.Stock
}

func (h *harness) addToCart(t *testing.T, actor Actor, productID string, quantity int) {
	t.Helper()
	_, err := h.carts.AddItem(context.Background(), AddCartItemCommand{Actor: actor, ProductID: productID, Quantity: quantity})
	require.NoError(t, err)
}

// setCartQuantity writes a cart line directly, bypassing the shelf check applied by AddItem.
func (h *harness) setCartQuantity(t *testing.T, userID, productID string, quantity int) {
	t.Helper()
	ctx := context.Background()
	cart, err := h.store.Carts().Get(ctx, userID)
	if err != nil {
		cart = domain.Cart{UserID: userID}
	}
	cart.Items = append(cart.Items, domain.CartItem{ID: "ci_" + productID, ProductID: productID, Quantity: quantity})
	_, err = h.store.Carts().Save(ctx, cart)
	require.NoError(t, err)
}

func (h *harness) checkout(t *testing.T, actor Actor) Order {
	t.Helper()
	order, err := h.orders.Checkout(context.Background(), CheckoutCommand{
		Actor:   actor,
		Phone:   "+81 90-1234-5678",
		Address: "1-2-3 Shibuya, Tokyo",
	})
	require.NoError(t, err)
	return order
}

func intPtr(v int) *int { return &v }
