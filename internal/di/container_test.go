package di

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/repositories/memory"
	"github.com/hanko-field/fulfillment/internal/services"
)

type recordingPublisher struct {
	mu     sync.Mutex
	orders []string
	stock  []int
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, event.Type)
	return nil
}

func (p *recordingPublisher) PublishStockEvent(_ context.Context, event services.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, event.Delta)
	return nil
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	_, err := NewContainer(context.Background(), config.Config{}, nil)
	require.Error(t, err)
}

func TestNewContainerWiresServicesOverSharedStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	publisher := &recordingPublisher{}
	cfg := config.Config{Commerce: config.CommerceConfig{Currency: "JPY", LowStockThreshold: 5}}

	container, err := NewContainer(ctx, cfg, store,
		WithEvents(Events{Orders: publisher, Stock: publisher}),
		WithClock(func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Close(ctx)) })

	admin := domain.Actor{UserID: "admin-1", Role: domain.ActorRoleAdmin}
	customer := domain.Actor{UserID: "user-1", Role: domain.ActorRoleCustomer}
	stock := 1

	_, err = container.Services.Products.UpsertProduct(ctx, services.UpsertProductCommand{
		Actor:   admin,
		Product: services.Product{ID: "seal", Name: "Seal", MRP: 3000, Stock: &stock},
	})
	require.NoError(t, err)

	level, err := container.Services.Products.AdjustStock(ctx, services.AdjustStockCommand{Actor: admin, ProductID: "seal", Delta: 2})
	require.NoError(t, err)
	require.Equal(t, 3, *level.Stock)

	_, err = container.Services.Cart.AddItem(ctx, services.AddCartItemCommand{Actor: customer, ProductID: "seal", Quantity: 2})
	require.NoError(t, err)

	order, err := container.Services.Orders.Checkout(ctx, services.CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Kyoto"})
	require.NoError(t, err)
	require.Equal(t, "JPY", order.Currency)
	require.EqualValues(t, 6000, order.Total)

	product, err := store.Products().Get(ctx, "seal")
	require.NoError(t, err)
	require.Equal(t, 1, *product.Stock)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.NotEmpty(t, publisher.orders)
	require.Equal(t, []int{2}, publisher.stock)
}
