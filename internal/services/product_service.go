package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/textutil"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const (
	maxProductNameLength = 200
	maxProductImages     = 20
	defaultLowStockLimit = 5
)

var (
	// ErrProductInvalidInput signals the caller provided invalid product data.
	ErrProductInvalidInput = errors.New("product: invalid input")
	// ErrProductPermissionDenied indicates the caller is not an administrator.
	ErrProductPermissionDenied = errors.New("product: permission denied")
	// ErrProductNotFound indicates the product does not exist.
	ErrProductNotFound = errors.New("product: not found")
	// ErrProductUnavailable indicates the backing store could not serve the request.
	ErrProductUnavailable = errors.New("product: repository unavailable")
)

// MissingProductError names a product an operation referenced that no longer exists.
type MissingProductError struct {
	ProductID string
}

func (e *MissingProductError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProductNotFound, e.ProductID)
}

// Is matches ErrProductNotFound.
func (e *MissingProductError) Is(target error) bool {
	return target == ErrProductNotFound
}

// StockEvent describes a direct stock adjustment made outside an order flow.
type StockEvent struct {
	ProductID  string
	Delta      int
	Stock      *int
	Reason     string
	ActorID    string
	OccurredAt time.Time
}

// StockEventPublisher delivers stock adjustment events to downstream consumers.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// ProductServiceDeps bundles collaborators required to construct the product service.
type ProductServiceDeps struct {
	Products          repositories.ProductRepository
	Stock             StockAdjuster
	UnitOfWork        repositories.UnitOfWork
	Clock             func() time.Time
	LowStockThreshold int
	Events            StockEventPublisher
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type productService struct {
	products  repositories.ProductRepository
	stock     StockAdjuster
	unit      repositories.UnitOfWork
	clock     func() time.Time
	threshold int
	events    StockEventPublisher
	logger    func(context.Context, string, map[string]any)
}

// NewProductService constructs the admin-facing product service.
func NewProductService(deps ProductServiceDeps) (ProductService, error) {
	if deps.Products == nil {
		return nil, errors.New("product service: product repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("product service: stock ledger is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := deps.LowStockThreshold
	if threshold <= 0 {
		threshold = defaultLowStockLimit
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &productService{
		products:  deps.Products,
		stock:     deps.Stock,
		unit:      unit,
		clock:     func() time.Time { return clock().UTC() },
		threshold: threshold,
		events:    deps.Events,
		logger:    logger,
	}, nil
}

// UpsertProduct creates or replaces a product record. A stock counter is only
// initialised here; once tracked it changes through AdjustStock.
func (s *productService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if !cmd.Actor.IsAdmin() {
		return Product{}, ErrProductPermissionDenied
	}
	product := cmd.Product
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	product.Name = textutil.SanitizeText(product.Name, maxProductNameLength)
	if product.Name == "" {
		return Product{}, fmt.Errorf("%w: name is required", ErrProductInvalidInput)
	}
	if product.MRP < 0 {
		return Product{}, fmt.Errorf("%w: mrp must not be negative", ErrProductInvalidInput)
	}
	if product.Stock != nil && *product.Stock < 0 {
		return Product{}, fmt.Errorf("%w: stock must not be negative", ErrProductInvalidInput)
	}
	if len(product.Offers) == 0 && cmd.RawOffers != nil {
		product.Offers = domain.ParseOfferTable(cmd.RawOffers)
	}
	images := make([]string, 0, len(product.Images))
	for _, image := range product.Images {
		if image = strings.TrimSpace(image); image != "" {
			images = append(images, image)
		}
	}
	if len(images) > maxProductImages {
		return Product{}, fmt.Errorf("%w: at most %d images", ErrProductInvalidInput, maxProductImages)
	}
	product.Images = images

	var saved Product
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.products.Get(txCtx, product.ID)
		switch {
		case err == nil:
			if existing.Stock != nil {
				product.Stock = existing.Stock
			}
			product.CreatedAt = existing.CreatedAt
		case isRepoNotFound(err):
			product.CreatedAt = s.clock()
		default:
			return s.mapRepositoryError(err)
		}
		product.UpdatedAt = s.clock()

		saved, err = s.products.Upsert(txCtx, product)
		return s.mapRepositoryError(err)
	})
	if err != nil {
		return Product{}, err
	}
	return saved, nil
}

func (s *productService) GetProduct(ctx context.Context, actor Actor, productID string) (Product, error) {
	if !actor.IsAdmin() {
		return Product{}, ErrProductPermissionDenied
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

// AdjustStock applies a restock (positive) or shrinkage (negative) through the ledger.
func (s *productService) AdjustStock(ctx context.Context, cmd AdjustStockCommand) (StockLevel, error) {
	if !cmd.Actor.IsAdmin() {
		return StockLevel{}, ErrProductPermissionDenied
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrProductInvalidInput)
	}
	if cmd.Delta == 0 {
		return StockLevel{}, fmt.Errorf("%w: delta must not be zero", ErrProductInvalidInput)
	}
	if _, err := s.products.Get(ctx, productID); err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}

	level, err := s.stock.Adjust(ctx, productID, cmd.Delta)
	if err != nil {
		return StockLevel{}, err
	}

	event := StockEvent{
		ProductID:  productID,
		Delta:      cmd.Delta,
		Stock:      level.Stock,
		Reason:     strings.TrimSpace(cmd.Reason),
		ActorID:    cmd.Actor.UserID,
		OccurredAt: s.clock(),
	}
	if s.events != nil {
		if err := s.events.PublishStockEvent(ctx, event); err != nil {
			s.logger(ctx, "stock.event.publish.failed", map[string]any{"productId": productID, "error": err.Error()})
		}
	}
	return level, nil
}

func (s *productService) ListLowStock(ctx context.Context, actor Actor, filter LowStockFilter) (domain.CursorPage[Product], error) {
	if !actor.IsAdmin() {
		return domain.CursorPage[Product]{}, ErrProductPermissionDenied
	}
	threshold := s.threshold
	if filter.Threshold != nil {
		if *filter.Threshold < 0 {
			return domain.CursorPage[Product]{}, fmt.Errorf("%w: threshold must not be negative", ErrProductInvalidInput)
		}
		threshold = *filter.Threshold
	}
	page, err := s.products.ListLowStock(ctx, repositories.ProductLowStockQuery{
		Threshold:  threshold,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Product]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *productService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrProductNotFound, err)
		case repoErr.IsConflict(), repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrProductUnavailable, err)
		}
	}
	return err
}
