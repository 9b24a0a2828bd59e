package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const productCollection = "products"

// ProductRepository stores catalog products, including their stock counters.
type ProductRepository struct {
	docs *pfirestore.Collection
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{docs: pfirestore.NewCollection(provider, productCollection)}, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: id is required")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = now
	}
	doc := newProductDocument(product)

	if err := r.docs.Set(ctx, productID, doc); err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(productID), nil
}

func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	snap, err := r.docs.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProduct(snap)
}

// GetMany reads all products in one round trip. Inside a transaction the reads
// are recorded so a concurrent writer forces a retry.
func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	snaps, err := r.docs.GetAll(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		product, err := decodeProduct(snap)
		if err != nil {
			return nil, err
		}
		result[product.ID] = product
	}
	return result, nil
}

// SetStock writes the counter without reading, so it can follow the reads of a transaction.
func (r *ProductRepository) SetStock(ctx context.Context, productID string, stock int) error {
	return r.docs.Update(ctx, productID, []firestore.Update{
		{Path: "stock", Value: int64(stock)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
}

func (r *ProductRepository) ListLowStock(ctx context.Context, query repositories.ProductLowStockQuery) (domain.CursorPage[domain.Product], error) {
	base, err := r.docs.Query(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}
	pageSize := pagination.NormalizePageSize(query.Pagination.PageSize)

	q := base.
		Where("stock", "<=", int64(query.Threshold)).
		OrderBy("stock", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	cursor, err := pagination.DecodeToken(query.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}
	if stock, ok := cursor.Int64At(0); ok {
		id, _ := cursor.StringAt(1)
		q = q.StartAfter(stock, id)
	}

	var items []domain.Product
	err = r.docs.Each(ctx, q, func(snap *firestore.DocumentSnapshot) error {
		product, err := decodeProduct(snap)
		if err != nil {
			return err
		}
		items = append(items, product)
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	page := domain.CursorPage[domain.Product]{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{int64(*last.Stock), last.ID}})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type productDocument struct {
	Name   string   `firestore:"name"`
	MRP    int64    `firestore:"mrp"`
	Offers any      `firestore:"offers,omitempty"`
	Images []string `firestore:"images,omitempty"`
	// Stock is nil for untracked products; the low-stock query skips them.
	Stock     *int64    `firestore:"stock"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	doc := productDocument{
		Name:      product.Name,
		MRP:       product.MRP,
		Images:    append([]string(nil), product.Images...),
		CreatedAt: product.CreatedAt.UTC(),
		UpdatedAt: product.UpdatedAt.UTC(),
	}
	if offers := product.Offers.StringKeyed(); len(offers) > 0 {
		doc.Offers = offers
	}
	if product.Stock != nil {
		stock := int64(*product.Stock)
		doc.Stock = &stock
	}
	return doc
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:        id,
		Name:      d.Name,
		MRP:       d.MRP,
		Offers:    domain.ParseOfferTable(d.Offers),
		Images:    append([]string(nil), d.Images...),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Stock != nil {
		stock := int(*d.Stock)
		product.Stock = &stock
	}
	return product
}

func decodeProduct(snap *firestore.DocumentSnapshot) (domain.Product, error) {
	if snap == nil || !snap.Exists() {
		id := ""
		if snap != nil && snap.Ref != nil {
			id = snap.Ref.ID
		}
		return domain.Product{}, pfirestore.NotFoundError("products.decode", id)
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
