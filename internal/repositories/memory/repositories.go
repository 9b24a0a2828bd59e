package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

type productRepository struct{ store *Store }

func (r productRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, errors.New("memory product repository: id is required")
	}
	var saved domain.Product
	err := r.store.with(ctx, func(st *state) error {
		now := time.Now().UTC()
		if existing, ok := st.products[product.ID]; ok {
			product.CreatedAt = existing.CreatedAt
		} else if product.CreatedAt.IsZero() {
			product.CreatedAt = now
		}
		if product.UpdatedAt.IsZero() {
			product.UpdatedAt = now
		}
		st.products[product.ID] = cloneProduct(product)
		saved = cloneProduct(product)
		return nil
	})
	return saved, err
}

func (r productRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := r.store.with(ctx, func(st *state) error {
		found, ok := st.products[productID]
		if !ok {
			return notFound("product.get")
		}
		product = cloneProduct(found)
		return nil
	})
	return product, err
}

func (r productRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	err := r.store.with(ctx, func(st *state) error {
		for _, id := range productIDs {
			if product, ok := st.products[id]; ok {
				result[id] = cloneProduct(product)
			}
		}
		return nil
	})
	return result, err
}

func (r productRepository) SetStock(ctx context.Context, productID string, stock int) error {
	return r.store.with(ctx, func(st *state) error {
		product, ok := st.products[productID]
		if !ok {
			return notFound("product.set_stock")
		}
		product.Stock = &stock
		product.UpdatedAt = time.Now().UTC()
		st.products[productID] = product
		return nil
	})
}

func (r productRepository) ListLowStock(ctx context.Context, query repositories.ProductLowStockQuery) (domain.CursorPage[domain.Product], error) {
	cursor, err := pagination.DecodeToken(query.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}
	afterStock, hasCursor := cursor.Int64At(0)
	afterID, _ := cursor.StringAt(1)

	var matches []domain.Product
	err = r.store.with(ctx, func(st *state) error {
		for _, product := range st.products {
			if product.Stock == nil || *product.Stock > query.Threshold {
				continue
			}
			matches = append(matches, cloneProduct(product))
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if *matches[i].Stock != *matches[j].Stock {
			return *matches[i].Stock < *matches[j].Stock
		}
		return matches[i].ID < matches[j].ID
	})
	if hasCursor {
		idx := sort.Search(len(matches), func(i int) bool {
			stock := int64(*matches[i].Stock)
			return stock > afterStock || (stock == afterStock && matches[i].ID > afterID)
		})
		matches = matches[idx:]
	}

	return pageOf(matches, query.Pagination.PageSize, func(p domain.Product) []any {
		return []any{int64(*p.Stock), p.ID}
	})
}

type cartRepository struct{ store *Store }

func (r cartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	var cart domain.Cart
	err := r.store.with(ctx, func(st *state) error {
		found, ok := st.carts[userID]
		if !ok {
			return notFound("cart.get")
		}
		cart = cloneCart(found)
		return nil
	})
	return cart, err
}

func (r cartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if strings.TrimSpace(cart.UserID) == "" {
		return domain.Cart{}, errors.New("memory cart repository: user id is required")
	}
	err := r.store.with(ctx, func(st *state) error {
		now := time.Now().UTC()
		if cart.ID == "" {
			cart.ID = cart.UserID
		}
		if cart.CreatedAt.IsZero() {
			cart.CreatedAt = now
		}
		if cart.UpdatedAt.IsZero() {
			cart.UpdatedAt = now
		}
		st.carts[cart.UserID] = cloneCart(cart)
		return nil
	})
	return cloneCart(cart), err
}

func (r cartRepository) Clear(ctx context.Context, userID string) error {
	return r.store.with(ctx, func(st *state) error {
		cart, ok := st.carts[userID]
		if !ok {
			return nil
		}
		cart.Items = nil
		cart.UpdatedAt = time.Now().UTC()
		st.carts[userID] = cart
		return nil
	})
}

type orderRepository struct{ store *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.store.with(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return repositories.NewStoreError("order.insert", repositories.StoreErrorConflict, nil)
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.store.with(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; !exists {
			return notFound("order.update")
		}
		st.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.store.with(ctx, func(st *state) error {
		found, ok := st.orders[orderID]
		if !ok {
			return notFound("order.find")
		}
		order = cloneOrder(found)
		return nil
	})
	return order, err
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	afterNanos, hasCursor := cursor.Int64At(0)
	afterID, _ := cursor.StringAt(1)

	var matches []domain.Order
	err = r.store.with(ctx, func(st *state) error {
		for _, order := range st.orders {
			if filter.UserID != "" && order.UserID != filter.UserID {
				continue
			}
			if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
				continue
			}
			matches = append(matches, cloneOrder(order))
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	if hasCursor {
		idx := sort.Search(len(matches), func(i int) bool {
			nanos := matches[i].CreatedAt.UnixNano()
			return nanos < afterNanos || (nanos == afterNanos && matches[i].ID < afterID)
		})
		matches = matches[idx:]
	}

	return pageOf(matches, filter.Pagination.PageSize, func(o domain.Order) []any {
		return []any{o.CreatedAt.UnixNano(), o.ID}
	})
}

func pageOf[T any](items []T, pageSize int, cursorOf func(T) []any) (domain.CursorPage[T], error) {
	size := pagination.NormalizePageSize(pageSize)
	if len(items) <= size {
		return domain.CursorPage[T]{Items: items}, nil
	}
	page := items[:size]
	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: cursorOf(page[len(page)-1])})
	if err != nil {
		return domain.CursorPage[T]{}, err
	}
	return domain.CursorPage[T]{Items: page, NextPageToken: token}, nil
}
