package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

func TestOrderServiceCheckoutSnapshotsTieredPrices(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-brush", 100, intPtr(50), map[int]int{1: 0, 6: 10, 12: 20})
	h.seedProduct(t, "prod-ink", 100, nil, map[int]int{1: 0, 6: 10, 12: 20})
	h.seedProduct(t, "prod-paper", 100, intPtr(50), map[int]int{1: 0, 6: 10, 12: 20})
	h.addToCart(t, customer, "prod-brush", 5)
	h.addToCart(t, customer, "prod-ink", 6)
	h.addToCart(t, customer, "prod-paper", 15)

	order := h.checkout(t, customer)

	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.False(t, order.OTPVerified)
	require.Equal(t, "424242", order.OTP)
	require.Equal(t, "+819012345678", order.Phone)
	require.Len(t, order.Items, 3)
	prices := map[string]int64{}
	for _, item := range order.Items {
		prices[item.ProductID] = item.Price
		require.Equal(t, "Product "+item.ProductID, item.Name)
		require.Equal(t, "gs://catalog/"+item.ProductID+".png", item.Image)
	}
	require.Equal(t, map[string]int64{"prod-brush": 100, "prod-ink": 90, "prod-paper": 80}, prices)
	require.Equal(t, int64(5*100+6*90+15*80), order.Total)
	require.Equal(t, order.ComputeTotal(), order.Total)

	require.Equal(t, 45, *h.stockOf(t, "prod-brush"))
	require.Nil(t, h.stockOf(t, "prod-ink"))
	require.Equal(t, 35, *h.stockOf(t, "prod-paper"))

	cart, err := h.carts.GetCart(context.Background(), customer)
	require.NoError(t, err)
	require.Empty(t, cart.Cart.Items)

	stored, err := h.orders.GetOrder(context.Background(), customer, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.Total, stored.Total)
	require.Equal(t, []string{orderEventCreated}, h.events.types())
}

func TestOrderServiceCheckoutInsufficientStockLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(3), nil)
	h.setCartQuantity(t, customer.UserID, "prod-1", 4)

	_, err := h.orders.Checkout(context.Background(), CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Tokyo"})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, "prod-1", stockErr.ProductID)
	require.Equal(t, 3, stockErr.Available)

	require.Equal(t, 3, *h.stockOf(t, "prod-1"))
	page, err := h.orders.ListOrders(context.Background(), customer, OrderListFilter{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	cart, err := h.store.Carts().Get(context.Background(), customer.UserID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Empty(t, h.events.types())
}

func TestOrderServiceCheckoutIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-plenty", 100, intPtr(10), nil)
	h.seedProduct(t, "prod-short", 100, intPtr(1), nil)
	h.setCartQuantity(t, customer.UserID, "prod-plenty", 2)
	h.setCartQuantity(t, customer.UserID, "prod-short", 2)

	_, err := h.orders.Checkout(context.Background(), CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Tokyo"})
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.Equal(t, 10, *h.stockOf(t, "prod-plenty"))
	require.Equal(t, 1, *h.stockOf(t, "prod-short"))
}

func TestOrderServiceCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(3), nil)

	tests := []struct {
		name string
		cmd  CheckoutCommand
		want error
	}{
		{name: "anonymous", cmd: CheckoutCommand{Phone: "09012345678", Address: "Tokyo"}, want: ErrOrderUnauthenticated},
		{name: "bad phone", cmd: CheckoutCommand{Actor: customer, Phone: "12", Address: "Tokyo"}, want: ErrOrderInvalidInput},
		{name: "blank address", cmd: CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "  "}, want: ErrOrderInvalidInput},
		{name: "empty cart", cmd: CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Tokyo"}, want: ErrOrderEmptyCart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orders.Checkout(context.Background(), tt.cmd)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrderServiceCheckoutMissingProduct(t *testing.T) {
	h := newHarness(t)
	h.setCartQuantity(t, customer.UserID, "prod-gone", 1)

	_, err := h.orders.Checkout(context.Background(), CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Tokyo"})
	require.ErrorIs(t, err, ErrProductNotFound)
	require.NotErrorIs(t, err, ErrOrderNotFound)
	var missing *MissingProductError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "prod-gone", missing.ProductID)

	cart, err := h.store.Carts().Get(context.Background(), customer.UserID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1, "a failed checkout leaves the cart in place")
}

func TestOrderServiceConcurrentCheckoutForLastUnit(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-last", 100, intPtr(1), nil)

	const buyers = 10
	actors := make([]Actor, buyers)
	for i := range actors {
		actors[i] = Actor{UserID: fmt.Sprintf("buyer-%d", i), Role: domain.ActorRoleCustomer}
		h.addToCart(t, actors[i], "prod-last", 1)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		placed   int
		rejected int
	)
	for _, actor := range actors {
		wg.Add(1)
		go func(actor Actor) {
			defer wg.Done()
			_, err := h.orders.Checkout(context.Background(), CheckoutCommand{Actor: actor, Phone: "09012345678", Address: "Tokyo"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				placed++
			case errors.Is(err, ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected checkout error: %v", err)
			}
		}(actor)
	}
	wg.Wait()

	require.Equal(t, 1, placed)
	require.Equal(t, buyers-1, rejected)
	require.Equal(t, 0, *h.stockOf(t, "prod-last"))
}

func TestOrderServiceCancelRestoresStock(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "prod-a", 100, intPtr(10), nil)
	h.seedProduct(t, "prod-b", 250, intPtr(4), nil)
	h.addToCart(t, customer, "prod-a", 3)
	h.addToCart(t, customer, "prod-b", 4)
	order := h.checkout(t, customer)
	require.Equal(t, 7, *h.stockOf(t, "prod-a"))
	require.Equal(t, 0, *h.stockOf(t, "prod-b"))

	cancelled, err := h.orders.Cancel(context.Background(), CancelOrderCommand{Actor: customer, OrderID: order.ID, Reason: "changed mind"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Equal(t, 10, *h.stockOf(t, "prod-a"))
	require.Equal(t, 4, *h.stockOf(t, "prod-b"))

	_, err = h.orders.Cancel(context.Background(), CancelOrderCommand{Actor: customer, OrderID: order.ID})
	require.ErrorIs(t, err, ErrOrderInvalidState)
	require.Equal(t, 10, *h.stockOf(t, "prod-a"))
	require.Equal(t, []string{orderEventCreated, orderEventCancelled}, h.events.types())
}

func TestOrderServiceCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("stranger sees not found", func(t *testing.T) {
		h := newHarness(t)
		h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
		h.addToCart(t, customer, "prod-1", 1)
		order := h.checkout(t, customer)

		_, err := h.orders.Cancel(ctx, CancelOrderCommand{Actor: stranger, OrderID: order.ID})
		require.ErrorIs(t, err, ErrOrderNotFound)

		_, err = h.orders.Cancel(ctx, CancelOrderCommand{Actor: customer, OrderID: "ord_missing"})
		require.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("admin may cancel shipped order", func(t *testing.T) {
		h := newHarness(t)
		h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
		h.addToCart(t, customer, "prod-1", 2)
		order := h.checkout(t, customer)
		_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusShipped})
		require.NoError(t, err)

		cancelled, err := h.orders.Cancel(ctx, CancelOrderCommand{Actor: admin, OrderID: order.ID})
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
		require.Equal(t, 5, *h.stockOf(t, "prod-1"))
	})

	t.Run("partial order cannot be cancelled by owner", func(t *testing.T) {
		h := newHarness(t)
		h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
		h.addToCart(t, customer, "prod-1", 2)
		order := h.checkout(t, customer)
		_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPartial})
		require.NoError(t, err)

		_, err = h.orders.Cancel(ctx, CancelOrderCommand{Actor: customer, OrderID: order.ID})
		require.ErrorIs(t, err, ErrOrderInvalidState)
		require.Equal(t, 3, *h.stockOf(t, "prod-1"))
	})

	t.Run("verified order cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
		h.addToCart(t, customer, "prod-1", 2)
		order := h.checkout(t, customer)

		// A verified order that is still PENDING can only come from direct store writes.
		stored, err := h.store.Orders().FindByID(ctx, order.ID)
		require.NoError(t, err)
		stored.OTPVerified = true
		require.NoError(t, h.store.Orders().Update(ctx, stored))

		_, err = h.orders.Cancel(ctx, CancelOrderCommand{Actor: customer, OrderID: order.ID})
		require.ErrorIs(t, err, ErrOrderAlreadyVerified)
		require.Equal(t, 3, *h.stockOf(t, "prod-1"))
	})
}

func TestOrderServiceVerifyDeliveryCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
	h.addToCart(t, customer, "prod-1", 1)
	order := h.checkout(t, customer)
	_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusShipped})
	require.NoError(t, err)

	_, err = h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: customer, OrderID: order.ID, Code: "000000"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
	unchanged, err := h.orders.GetOrder(ctx, customer, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, unchanged.Status)
	require.False(t, unchanged.OTPVerified)

	_, err = h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: customer, OrderID: order.ID, Code: "12ab56"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: stranger, OrderID: order.ID, Code: "424242"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	delivered, err := h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: customer, OrderID: order.ID, Code: "424242"})
	require.NoError(t, err)
	require.True(t, delivered.OTPVerified)
	require.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)

	_, err = h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: customer, OrderID: order.ID, Code: "424242"})
	require.ErrorIs(t, err, ErrOrderAlreadyVerified)
	require.Equal(t, 4, *h.stockOf(t, "prod-1"))
}

func TestOrderServiceVerifyDeliveryCodeByAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, nil, nil)
	h.addToCart(t, customer, "prod-1", 1)
	order := h.checkout(t, customer)

	delivered, err := h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: admin, OrderID: order.ID, Code: "424242"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, delivered.Status)
}

func TestOrderServiceSetStatusDeliveredOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
	h.addToCart(t, customer, "prod-1", 1)
	order := h.checkout(t, customer)

	_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: customer, OrderID: order.ID, Status: domain.OrderStatusDelivered})
	require.ErrorIs(t, err, ErrOrderPermissionDenied)
	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusDelivered})
	require.ErrorIs(t, err, ErrOrderUnauthenticated)

	delivered, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: "delivered"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	require.True(t, delivered.OTPVerified)

	last := h.events.events[len(h.events.events)-1]
	require.Equal(t, orderEventDelivered, last.Type)
	require.Equal(t, "admin_override", last.Metadata["verifiedBy"])
}

func TestOrderServiceSetStatusTerminalStates(t *testing.T) {
	ctx := context.Background()
	reach := map[domain.OrderStatus]func(t *testing.T, h *harness, orderID string){
		domain.OrderStatusDelivered: func(t *testing.T, h *harness, orderID string) {
			_, err := h.orders.VerifyDeliveryCode(ctx, VerifyDeliveryCodeCommand{Actor: customer, OrderID: orderID, Code: "424242"})
			require.NoError(t, err)
		},
		domain.OrderStatusCancelled: func(t *testing.T, h *harness, orderID string) {
			_, err := h.orders.Cancel(ctx, CancelOrderCommand{Actor: customer, OrderID: orderID})
			require.NoError(t, err)
		},
		domain.OrderStatusFailed: func(t *testing.T, h *harness, orderID string) {
			_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: orderID, Status: domain.OrderStatusFailed})
			require.NoError(t, err)
		},
	}
	targets := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusShipped,
		domain.OrderStatusPartial,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
		domain.OrderStatusFailed,
	}

	for terminal, drive := range reach {
		t.Run(string(terminal), func(t *testing.T) {
			h := newHarness(t)
			h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
			h.addToCart(t, customer, "prod-1", 2)
			order := h.checkout(t, customer)
			drive(t, h, order.ID)
			stockBefore := *h.stockOf(t, "prod-1")

			for _, target := range targets {
				_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: target})
				require.ErrorIs(t, err, ErrOrderInvalidState, "target %s", target)
			}
			stored, err := h.orders.GetOrder(ctx, admin, order.ID)
			require.NoError(t, err)
			require.Equal(t, terminal, stored.Status)
			require.Equal(t, stockBefore, *h.stockOf(t, "prod-1"))
		})
	}
}

func TestOrderServiceSetStatusTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
	h.addToCart(t, customer, "prod-1", 2)
	order := h.checkout(t, customer)

	_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPending})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)
	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: "LOST"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: "ord_missing", Status: domain.OrderStatusShipped})
	require.ErrorIs(t, err, ErrOrderNotFound)

	shipped, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusShipped})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, shipped.Status)

	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPending})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)

	partial, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPartial})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPartial, partial.Status)

	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusFailed})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)
	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusShipped})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)

	cancelled, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, 5, *h.stockOf(t, "prod-1"))
}

func TestOrderServiceSetStatusFailedRestoresStock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, intPtr(5), nil)
	h.addToCart(t, customer, "prod-1", 3)
	order := h.checkout(t, customer)
	require.Equal(t, 2, *h.stockOf(t, "prod-1"))

	failed, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusFailed})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, failed.Status)
	require.Equal(t, 5, *h.stockOf(t, "prod-1"))
}

func TestOrderServiceEditItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-a", 100, intPtr(10), map[int]int{1: 0, 6: 10})
	h.seedProduct(t, "prod-b", 200, intPtr(3), nil)
	h.addToCart(t, customer, "prod-a", 6)
	h.addToCart(t, customer, "prod-b", 2)
	order := h.checkout(t, customer)
	require.Equal(t, int64(6*90+2*200), order.Total)
	require.Equal(t, 4, *h.stockOf(t, "prod-a"))
	require.Equal(t, 1, *h.stockOf(t, "prod-b"))

	itemA, itemB := order.Items[0], order.Items[1]
	require.Equal(t, "prod-a", itemA.ProductID)

	_, err := h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemA.ID, Quantity: 2}}})
	require.ErrorIs(t, err, ErrOrderInvalidState)

	_, err = h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPartial})
	require.NoError(t, err)

	edited, err := h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemA.ID, Quantity: 2}}})
	require.NoError(t, err)
	require.Equal(t, 8, *h.stockOf(t, "prod-a"))
	require.Equal(t, int64(2*90+2*200), edited.Total)
	require.Equal(t, edited.ComputeTotal(), edited.Total)

	edited, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemB.ID, Quantity: 3}}})
	require.NoError(t, err)
	require.Equal(t, 0, *h.stockOf(t, "prod-b"))
	require.Equal(t, int64(2*90+3*200), edited.Total)

	_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{
		{ItemID: itemA.ID, Quantity: 0},
		{ItemID: itemB.ID, Quantity: 4},
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, 8, *h.stockOf(t, "prod-a"))
	require.Equal(t, 0, *h.stockOf(t, "prod-b"))
	stored, err := h.orders.GetOrder(ctx, admin, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2*90+3*200), stored.Total)
	require.Equal(t, 2, stored.Items[0].Quantity)

	_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: "oi_foreign", Quantity: 1}}})
	require.ErrorIs(t, err, ErrOrderForeignItem)

	_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: customer, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemA.ID, Quantity: 1}}})
	require.ErrorIs(t, err, ErrOrderPermissionDenied)

	_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{
		{ItemID: itemA.ID, Quantity: 1},
		{ItemID: itemA.ID, Quantity: 2},
	}})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemA.ID, Quantity: -1}}})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	cancelled, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, 10, *h.stockOf(t, "prod-a"))
	require.Equal(t, 3, *h.stockOf(t, "prod-b"))
}


func TestOrderServiceEditItemsCapsQuantity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-x", 100, nil, nil)
	h.addToCart(t, customer, "prod-x", 1)
	order := h.checkout(t, customer)
	_, err := h.orders.SetStatus(ctx, SetOrderStatusCommand{Actor: admin, OrderID: order.ID, Status: domain.OrderStatusPartial})
	require.NoError(t, err)

	itemID := order.Items[0].ID
	for _, quantity := range []int{maxCartLineQuantity + 1, 1 << 62} {
		_, err = h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemID, Quantity: quantity}}})
		require.ErrorIs(t, err, ErrOrderInvalidInput, "quantity %d", quantity)
	}

	stored, err := h.orders.GetOrder(ctx, admin, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), stored.Total)
	require.Equal(t, 1, stored.Items[0].Quantity)

	edited, err := h.orders.EditItems(ctx, EditOrderItemsCommand{Actor: admin, OrderID: order.ID, Items: []OrderItemQuantity{{ItemID: itemID, Quantity: maxCartLineQuantity}}})
	require.NoError(t, err)
	require.Equal(t, int64(100*maxCartLineQuantity), edited.Total)
}

func TestOrderServiceGetAndListVisibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProduct(t, "prod-1", 100, nil, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		h.addToCart(t, customer, "prod-1", 1)
		ids = append(ids, h.checkout(t, customer).ID)
		h.now = h.now.Add(1)
	}
	h.addToCart(t, stranger, "prod-1", 1)
	h.checkout(t, stranger)

	_, err := h.orders.GetOrder(ctx, stranger, ids[0])
	require.ErrorIs(t, err, ErrOrderNotFound)

	viewed, err := h.orders.GetOrder(ctx, admin, ids[0])
	require.NoError(t, err)
	require.Empty(t, viewed.OTP)

	first, err := h.orders.ListOrders(ctx, customer, OrderListFilter{Pagination: Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.Equal(t, ids[2], first.Items[0].ID)
	require.NotEmpty(t, first.NextPageToken)

	second, err := h.orders.ListOrders(ctx, customer, OrderListFilter{Pagination: Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	require.Equal(t, ids[0], second.Items[0].ID)
	require.Empty(t, second.NextPageToken)

	_, err = h.orders.ListOrders(ctx, customer, OrderListFilter{Status: []OrderStatus{"BOGUS"}})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}

type failingOrderEvents struct{}

func (failingOrderEvents) PublishOrderEvent(context.Context, OrderEvent) error {
	return errors.New("pubsub down")
}

func TestOrderServicePublishFailureDoesNotFailCheckout(t *testing.T) {
	store := newHarness(t).store
	products := store.Products()
	_, err := products.Upsert(context.Background(), domain.Product{ID: "prod-1", Name: "Brush", MRP: 100})
	require.NoError(t, err)
	_, err = store.Carts().Save(context.Background(), domain.Cart{UserID: customer.UserID, Items: []domain.CartItem{{ID: "ci_1", ProductID: "prod-1", Quantity: 1}}})
	require.NoError(t, err)

	ledger, err := NewStockLedger(StockLedgerDeps{Products: products, UnitOfWork: store})
	require.NoError(t, err)
	var logged []string
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:     store.Orders(),
		Carts:      store.Carts(),
		Products:   products,
		Stock:      ledger,
		UnitOfWork: store,
		Events:     failingOrderEvents{},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	require.NoError(t, err)

	order, err := svc.Checkout(context.Background(), CheckoutCommand{Actor: customer, Phone: "09012345678", Address: "Tokyo"})
	require.NoError(t, err)
	require.Len(t, order.OTP, deliveryCodeLength)
	require.Contains(t, logged, "order.event.publish.failed")
}

type unavailableOrders struct {
	repositories.OrderRepository
}

func (unavailableOrders) FindByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, repositories.NewStoreError("order.find", repositories.StoreErrorUnavailable, errors.New("connection reset"))
}

func TestOrderServiceMapsUnavailableStore(t *testing.T) {
	h := newHarness(t)
	ledger := h.ledger
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   unavailableOrders{OrderRepository: h.store.Orders()},
		Carts:    h.store.Carts(),
		Products: h.store.Products(),
		Stock:    ledger,
	})
	require.NoError(t, err)

	_, err = svc.GetOrder(context.Background(), customer, "ord_1")
	require.ErrorIs(t, err, ErrOrderUnavailable)
}

func TestRandomDeliveryCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := randomDeliveryCode()
		require.NoError(t, err)
		require.Len(t, code, deliveryCodeLength)
		require.Empty(t, stripDigits(code))
	}
}

func stripDigits(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < '0' || r > '9' {
			out = append(out, r)
		}
	}
	return string(out)
}
