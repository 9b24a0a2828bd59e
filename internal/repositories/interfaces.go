package repositories

import (
	"context"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	Ping(ctx context.Context) error
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in an atomic, isolated boundary.
// Calls made with the context passed to fn participate in the same transaction,
// and a nested RunInTx joins the ambient transaction instead of opening a new one.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository persists catalog products. Inside a unit of work, reads lock the
// returned rows until commit so stock checks and writes cannot interleave.
type ProductRepository interface {
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
	Get(ctx context.Context, productID string) (domain.Product, error)
	// GetMany returns the products that exist; missing ids are omitted from the map.
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// SetStock overwrites the stock counter. Only the stock ledger calls it.
	SetStock(ctx context.Context, productID string, stock int) error
	ListLowStock(ctx context.Context, query ProductLowStockQuery) (domain.CursorPage[domain.Product], error)
}

// CartRepository persists the single cart owned by each user.
type CartRepository interface {
	// Get returns a not-found repository error when the user has no cart yet.
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// OrderRepository persists orders together with their item snapshots.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

type ProductLowStockQuery struct {
	Threshold  int
	Pagination domain.Pagination
}
