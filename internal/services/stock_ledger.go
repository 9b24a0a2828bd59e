package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hanko-field/fulfillment/internal/repositories"
)

var (
	// ErrInsufficientStock indicates a debit would drive a stock counter below zero.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrStockInvalidInput signals a malformed adjustment.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockProductNotFound indicates the product to debit does not exist.
	ErrStockProductNotFound = errors.New("stock: product not found")
	// ErrStockUnavailable indicates the backing store could not serve the adjustment.
	ErrStockUnavailable = errors.New("stock: repository unavailable")
)

// InsufficientStockError names the product that could not cover a debit.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: product %s has %d available, %d requested", ErrInsufficientStock, e.ProductID, e.Available, e.Requested)
}

// Is reports ErrInsufficientStock equivalence for errors.Is.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockLedgerDeps bundles collaborators required to construct the stock ledger.
type StockLedgerDeps struct {
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// StockLedger is the only writer of product stock counters. Every adjustment set is
// read, validated, and written inside one unit of work; an ambient unit is joined.
// Products are read and written in sorted id order. stock.adjusted is logged only after
// the outermost unit commits.
type StockLedger struct {
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	logger     func(context.Context, string, map[string]any)
}

var _ StockAdjuster = (*StockLedger)(nil)

// NewStockLedger constructs a StockLedger.
func NewStockLedger(deps StockLedgerDeps) (*StockLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("stock ledger: product repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StockLedger{
		products:   deps.Products,
		unitOfWork: unit,
		logger:     logger,
	}, nil
}

// Adjust applies a single signed delta to productID.
func (l *StockLedger) Adjust(ctx context.Context, productID string, delta int) (StockLevel, error) {
	levels, err := l.Apply(ctx, []StockAdjustment{{ProductID: productID, Delta: delta}})
	if err != nil {
		return StockLevel{}, err
	}
	return levels[0], nil
}

// Apply aggregates adjustments per product and applies them all or none.
// Untracked products are left untouched; credits to products that no longer exist are skipped.
func (l *StockLedger) Apply(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error) {
	order, deltas, err := aggregateAdjustments(adjustments)
	if err != nil {
		return nil, err
	}

	levels := make([]StockLevel, 0, len(order))
	err = runUnit(ctx, l.unitOfWork, func(txCtx context.Context) error {
		levels = levels[:0]
		products, err := l.products.GetMany(txCtx, order)
		if err != nil {
			return mapStockRepositoryError(err)
		}

		writes := make(map[string]int, len(order))
		for _, productID := range order {
			delta := deltas[productID]
			product, ok := products[productID]
			switch {
			case !ok && delta < 0:
				return fmt.Errorf("%w: %s", ErrStockProductNotFound, productID)
			case !ok || product.Stock == nil:
				levels = append(levels, StockLevel{ProductID: productID, Delta: delta})
				continue
			}
			next := *product.Stock + delta
			if next < 0 {
				return &InsufficientStockError{ProductID: productID, Requested: -delta, Available: *product.Stock}
			}
			writes[productID] = next
			levels = append(levels, StockLevel{ProductID: productID, Stock: valuePtr(next), Delta: delta})
		}

		for _, productID := range order {
			next, ok := writes[productID]
			if !ok || deltas[productID] == 0 {
				continue
			}
			if err := l.products.SetStock(txCtx, productID, next); err != nil {
				return mapStockRepositoryError(err)
			}
		}

		applied := slices.Clone(levels)
		afterCommit(txCtx, func() { l.logLevels(ctx, applied) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return levels, nil
}

func (l *StockLedger) logLevels(ctx context.Context, levels []StockLevel) {
	for _, level := range levels {
		if level.Stock == nil || level.Delta == 0 {
			continue
		}
		l.logger(ctx, "stock.adjusted", map[string]any{
			"productId": level.ProductID,
			"delta":     level.Delta,
			"stock":     *level.Stock,
		})
	}
}

func aggregateAdjustments(adjustments []StockAdjustment) ([]string, map[string]int, error) {
	if len(adjustments) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one adjustment is required", ErrStockInvalidInput)
	}
	order := make([]string, 0, len(adjustments))
	deltas := make(map[string]int, len(adjustments))
	for _, adj := range adjustments {
		productID := strings.TrimSpace(adj.ProductID)
		if productID == "" {
			return nil, nil, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
		}
		if _, seen := deltas[productID]; !seen {
			order = append(order, productID)
		}
		deltas[productID] += adj.Delta
	}
	slices.Sort(order)
	return order, deltas, nil
}

func mapStockRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrStockUnavailable, err)
	}
	return err
}

type commitLogKey struct{}

// commitLog holds side effects waiting for the outermost unit of work to commit.
type commitLog struct {
	pending []func()
}

// runUnit runs fn in uow. The outermost call owns a commit log: entries queued with
// afterCommit run once the unit commits and are dropped when it fails. Each attempt
// starts with an empty log, so a store that retries fn emits only the final attempt.
// Nested calls join the outer unit and its log.
func runUnit(ctx context.Context, uow repositories.UnitOfWork, fn func(context.Context) error) error {
	if _, ok := ctx.Value(commitLogKey{}).(*commitLog); ok {
		return uow.RunInTx(ctx, fn)
	}
	log := &commitLog{}
	err := uow.RunInTx(ctx, func(txCtx context.Context) error {
		log.pending = log.pending[:0]
		return fn(context.WithValue(txCtx, commitLogKey{}, log))
	})
	if err != nil {
		return err
	}
	for _, emit := range log.pending {
		emit()
	}
	return nil
}

// afterCommit queues emit on the enclosing runUnit, or runs it at once outside one.
func afterCommit(ctx context.Context, emit func()) {
	if log, ok := ctx.Value(commitLogKey{}).(*commitLog); ok {
		log.pending = append(log.pending, emit)
		return
	}
	emit()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func valuePtr[T any](v T) *T {
	return &v
}
