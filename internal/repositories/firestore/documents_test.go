package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

func TestProductDocumentOffers(t *testing.T) {
	stock := 3
	doc := newProductDocument(domain.Product{
		ID:     "prod-1",
		Name:   "Brush",
		MRP:    100,
		Offers: domain.NewOfferTable(map[int]int{1: 0, 6: 10}),
		Stock:  &stock,
	})
	require.Equal(t, map[string]int64{"1": 0, "6": 10}, doc.Offers)
	require.Equal(t, int64(3), *doc.Stock)

	// Firestore hands maps back as map[string]any with int64 values.
	doc.Offers = map[string]any{"1": int64(0), "6": int64(10)}
	product := doc.toDomain("prod-1")
	require.Equal(t, map[int]int{1: 0, 6: 10}, product.Offers.Map())
	require.Equal(t, 3, *product.Stock)

	doc.Offers = map[string]any{"six": int64(10)}
	require.Empty(t, doc.toDomain("prod-1").Offers)

	doc.Offers = `{"12":"20%"}`
	require.Equal(t, map[int]int{12: 20}, doc.toDomain("prod-1").Offers.Map())
}

func TestProductDocumentUntrackedStock(t *testing.T) {
	doc := newProductDocument(domain.Product{ID: "prod-1", Name: "Gift card", MRP: 1000})
	require.Nil(t, doc.Stock)
	require.Nil(t, doc.Offers)
	require.Nil(t, doc.toDomain("prod-1").Stock)
}

func TestOrderDocumentKeepsSnapshots(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:          "ord_1",
		UserID:      "user-1",
		Status:      domain.OrderStatusCancelled,
		Total:       280,
		OTP:         "123456",
		CreatedAt:   now,
		UpdatedAt:   now,
		CancelledAt: &now,
		Items: []domain.OrderItem{
			{ID: "oi_1", ProductID: "prod-1", Name: "Brush", Price: 90, Quantity: 2},
			{ID: "oi_2", ProductID: "prod-2", Name: "Ink", Price: 100, Quantity: 1},
		},
	}
	decoded := newOrderDocument(order).toDomain("ord_1")
	require.Equal(t, order.Items, decoded.Items)
	require.Equal(t, order.Total, decoded.ComputeTotal())
	require.Equal(t, now, *decoded.CancelledAt)
	require.Nil(t, decoded.DeliveredAt)
}

func TestCartDocumentEmbedsItems(t *testing.T) {
	cart := domain.Cart{UserID: "user-1", Items: []domain.CartItem{{ID: "ci_1", ProductID: "prod-1", Quantity: 4}}}
	decoded := newCartDocument(cart).toDomain("user-1")
	require.Equal(t, "user-1", decoded.ID)
	require.Len(t, decoded.Items, 1)
	require.Equal(t, 4, decoded.Items[0].Quantity)
}
