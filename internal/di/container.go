package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Stock    *services.StockLedger
	Cart     services.CartService
	Orders   services.OrderService
	Products services.ProductService
}

// Events carries the optional downstream publishers. Nil publishers disable event delivery.
type Events struct {
	Orders services.OrderEventPublisher
	Stock  services.StockEventPublisher
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger *zap.Logger
	events Events
	clock  func() time.Time
}

// WithLogger routes service events to the provided logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEvents wires domain event publishers.
func WithEvents(events Events) Option {
	return func(o *options) {
		o.events = events
	}
}

// WithClock overrides the time source shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies over the provided registry. Production passes a
// Firestore or Postgres registry; tests supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services

	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Products:   reg.Products(),
		UnitOfWork: reg,
		Logger:     observability.ServiceLogger(o.logger, "stock"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	svc.Stock = ledger

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		UnitOfWork:      reg,
		Clock:           o.clock,
		DefaultCurrency: cfg.Commerce.Currency,
		Logger:          observability.ServiceLogger(o.logger, "cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Products:   reg.Products(),
		Stock:      ledger,
		UnitOfWork: reg,
		Clock:      o.clock,
		Currency:   cfg.Commerce.Currency,
		Events:     o.events.Orders,
		Logger:     observability.ServiceLogger(o.logger, "order"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	productSvc, err := services.NewProductService(services.ProductServiceDeps{
		Products:          reg.Products(),
		Stock:             ledger,
		UnitOfWork:        reg,
		Clock:             o.clock,
		LowStockThreshold: cfg.Commerce.LowStockThreshold,
		Events:            o.events.Stock,
		Logger:            observability.ServiceLogger(o.logger, "product"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build product service: %w", err)
	}
	svc.Products = productSvc

	return svc, nil
}
