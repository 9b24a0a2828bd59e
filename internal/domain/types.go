package domain

import (
	"time"
)

// Pagination captures common pagination arguments.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ActorRole distinguishes administrators from storefront customers.
type ActorRole string

const (
	// ActorRoleAdmin may act on any order and force status transitions.
	ActorRoleAdmin ActorRole = "ADMIN"
	// ActorRoleCustomer may only act on resources they own.
	ActorRoleCustomer ActorRole = "CUSTOMER"
)

// Actor identifies the caller of a core operation.
type Actor struct {
	UserID string
	Role   ActorRole
}

// IsAdmin reports whether the actor carries the administrator role.
func (a Actor) IsAdmin() bool {
	return a.Role == ActorRoleAdmin
}

// Product is the catalog record consulted by checkout. Stock is nil when the product is untracked.
type Product struct {
	ID        string
	Name      string
	MRP       int64
	Offers    OfferTable
	Images    []string
	Stock     *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryImage returns the first image reference or an empty string.
func (p Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// Tracked reports whether the product participates in stock accounting.
func (p Product) Tracked() bool {
	return p.Stock != nil
}

// Cart is the mutable pre-order container owned by a single user.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is a single (product, quantity) line.
type CartItem struct {
	ID        string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state assigned at checkout.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusPartial indicates partial fulfilment; item quantities may be edited.
	OrderStatusPartial OrderStatus = "PARTIAL"
	// OrderStatusDelivered indicates the delivery code was confirmed.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled indicates the order was reversed and its stock restored.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusFailed indicates fulfilment failed and its stock restored.
	OrderStatusFailed OrderStatus = "FAILED"
)

// Terminal reports whether the status has no outbound transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a known lifecycle state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusShipped, OrderStatusPartial,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Order is the priced, immutable-once-created record produced by checkout.
type Order struct {
	ID          string
	UserID      string
	Status      OrderStatus
	Currency    string
	Total       int64
	Phone       string
	Address     string
	Note        string
	OTP         string
	OTPVerified bool
	Items       []OrderItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
	DeliveredAt *time.Time
}

// OrderItem snapshots catalog data at checkout so history stays stable.
type OrderItem struct {
	ID        string
	ProductID string
	Name      string
	Price     int64
	Image     string
	Quantity  int
}

// Subtotal returns price multiplied by quantity.
func (i OrderItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// ComputeTotal derives the order total from the item snapshots.
func (o Order) ComputeTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// StockAdjustment describes a signed change to a product's stock counter.
type StockAdjustment struct {
	ProductID string
	Delta     int
}

// StockLevel reports a product's stock after an adjustment. Stock is nil for untracked products.
type StockLevel struct {
	ProductID string
	Stock     *int
	Delta     int
}
