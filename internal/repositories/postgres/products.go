package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const productColumns = `id, name, mrp, offers, images, stock, created_at, updated_at`

type productRepository struct{ store *Store }

func (r *productRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, errors.New("postgres product repository: id is required")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = now
	}
	offers, err := encodeOffers(product.Offers)
	if err != nil {
		return domain.Product{}, err
	}
	images := product.Images
	if images == nil {
		images = []string{}
	}

	q, _ := r.store.conn(ctx)
	row := q.QueryRow(ctx, `
		INSERT INTO products (id, name, mrp, offers, images, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mrp = EXCLUDED.mrp,
			offers = EXCLUDED.offers,
			images = EXCLUDED.images,
			stock = EXCLUDED.stock,
			updated_at = EXCLUDED.updated_at
		RETURNING `+productColumns,
		product.ID, product.Name, product.MRP, offers, images, product.Stock, product.CreatedAt, product.UpdatedAt,
	)
	saved, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, wrapError("products.upsert", err)
	}
	return saved, nil
}

func (r *productRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	q, locked := r.store.conn(ctx)
	row := q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`+lockClause(locked), strings.TrimSpace(productID))
	product, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, wrapError("products.get", err)
	}
	return product, nil
}

// GetMany locks rows in id order when called inside a unit of work.
func (r *productRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return result, nil
	}

	q, locked := r.store.conn(ctx)
	rows, err := q.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id`+lockClause(locked), ids)
	if err != nil {
		return nil, wrapError("products.get_many", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		return scanProduct(row)
	})
	if err != nil {
		return nil, wrapError("products.get_many", err)
	}
	for _, product := range products {
		result[product.ID] = product
	}
	return result, nil
}

func (r *productRepository) SetStock(ctx context.Context, productID string, stock int) error {
	q, _ := r.store.conn(ctx)
	tag, err := q.Exec(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`, strings.TrimSpace(productID), stock, time.Now().UTC())
	if err != nil {
		return wrapError("products.set_stock", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapError("products.set_stock", pgx.ErrNoRows)
	}
	return nil
}

func (r *productRepository) ListLowStock(ctx context.Context, query repositories.ProductLowStockQuery) (domain.CursorPage[domain.Product], error) {
	cursor, err := pagination.DecodeToken(query.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}
	pageSize := pagination.NormalizePageSize(query.Pagination.PageSize)

	sql := `SELECT ` + productColumns + ` FROM products WHERE stock IS NOT NULL AND stock <= $1`
	args := []any{query.Threshold}
	if afterStock, ok := cursor.Int64At(0); ok {
		afterID, _ := cursor.StringAt(1)
		sql += ` AND (stock, id) > ($2, $3)`
		args = append(args, afterStock, afterID)
	}
	sql += fmt.Sprintf(` ORDER BY stock, id LIMIT %d`, pageSize+1)

	q, _ := r.store.conn(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, wrapError("products.list_low_stock", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		return scanProduct(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, wrapError("products.list_low_stock", err)
	}

	page := domain.CursorPage[domain.Product]{Items: products}
	if len(products) > pageSize {
		page.Items = products[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{int64(*last.Stock), last.ID}})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		product domain.Product
		offers  []byte
	)
	if err := row.Scan(
		&product.ID,
		&product.Name,
		&product.MRP,
		&offers,
		&product.Images,
		&product.Stock,
		&product.CreatedAt,
		&product.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}
	product.Offers = domain.ParseOfferTable(json.RawMessage(offers))
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return product, nil
}

func encodeOffers(offers domain.OfferTable) ([]byte, error) {
	keyed := offers.StringKeyed()
	if len(keyed) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(keyed)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode offers: %w", err)
	}
	return data, nil
}
