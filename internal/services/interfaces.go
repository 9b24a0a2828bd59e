package services

import (
	"context"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	Actor           = domain.Actor
	Product         = domain.Product
	OfferTable      = domain.OfferTable
	Cart            = domain.Cart
	CartItem        = domain.CartItem
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderStatus     = domain.OrderStatus
	StockAdjustment = domain.StockAdjustment
	StockLevel      = domain.StockLevel
	HealthReport    = domain.HealthReport
)

// CartService manages the single mutable cart owned by each user.
type CartService interface {
	GetCart(ctx context.Context, actor Actor) (CartView, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error)
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (CartView, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error)
}

// OrderService converts carts into orders and drives the order lifecycle.
type OrderService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error)
	GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error)
	ListOrders(ctx context.Context, actor Actor, filter OrderListFilter) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	VerifyDeliveryCode(ctx context.Context, cmd VerifyDeliveryCodeCommand) (Order, error)
	SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error)
	EditItems(ctx context.Context, cmd EditOrderItemsCommand) (Order, error)
}

// ProductService exposes the catalog record operations needed to run the engine.
type ProductService interface {
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	GetProduct(ctx context.Context, actor Actor, productID string) (Product, error)
	AdjustStock(ctx context.Context, cmd AdjustStockCommand) (StockLevel, error)
	ListLowStock(ctx context.Context, actor Actor, filter LowStockFilter) (domain.CursorPage[Product], error)
}

// StockAdjuster applies guarded stock changes. Implemented by StockLedger.
type StockAdjuster interface {
	Adjust(ctx context.Context, productID string, delta int) (StockLevel, error)
	Apply(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error)
}

// OrderEventPublisher delivers order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// CartView is a cart with each line priced at the current catalog state.
type CartView struct {
	Cart     Cart
	Lines    []CartLine
	Subtotal int64
	Currency string
}

// CartLine pairs a cart item with its current unit price.
type CartLine struct {
	Item      CartItem
	Name      string
	Image     string
	UnitPrice int64
	Subtotal  int64
	Available *int
	Missing   bool
}

type AddCartItemCommand struct {
	Actor     Actor
	ProductID string
	Quantity  int
}

type UpdateCartItemCommand struct {
	Actor    Actor
	ItemID   string
	Quantity int
}

type RemoveCartItemCommand struct {
	Actor  Actor
	ItemID string
}

type CheckoutCommand struct {
	Actor   Actor
	Phone   string
	Address string
	Note    string
}

type CancelOrderCommand struct {
	Actor   Actor
	OrderID string
	Reason  string
}

type VerifyDeliveryCodeCommand struct {
	Actor   Actor
	OrderID string
	Code    string
}

type SetOrderStatusCommand struct {
	Actor   Actor
	OrderID string
	Status  OrderStatus
}

type EditOrderItemsCommand struct {
	Actor   Actor
	OrderID string
	Items   []OrderItemQuantity
}

// OrderItemQuantity requests a new quantity for an existing order item.
type OrderItemQuantity struct {
	ItemID   string
	Quantity int
}

type OrderListFilter struct {
	Status     []OrderStatus
	Pagination Pagination
}

type UpsertProductCommand struct {
	Actor   Actor
	Product Product
	// RawOffers is decoded with domain.ParseOfferTable when Product.Offers is empty.
	RawOffers any
}

type AdjustStockCommand struct {
	Actor     Actor
	ProductID string
	Delta     int
	Reason    string
}

type LowStockFilter struct {
	Threshold  *int
	Pagination Pagination
}
