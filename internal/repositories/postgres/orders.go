package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const orderColumns = `id, user_id, status, currency, total, phone, address, note, otp, otp_verified,
	created_at, updated_at, cancelled_at, delivered_at`

type orderRepository struct{ store *Store }

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.store.atomically(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			order.ID, order.UserID, string(order.Status), order.Currency, order.Total,
			order.Phone, order.Address, order.Note, order.OTP, order.OTPVerified,
			order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.CancelledAt, order.DeliveredAt,
		); err != nil {
			return wrapError("orders.insert", err)
		}
		return insertOrderItems(ctx, q, order)
	})
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.store.atomically(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE orders SET status = $2, total = $3, otp_verified = $4, updated_at = $5,
				cancelled_at = $6, delivered_at = $7, note = $8
			WHERE id = $1`,
			order.ID, string(order.Status), order.Total, order.OTPVerified, order.UpdatedAt.UTC(),
			order.CancelledAt, order.DeliveredAt, order.Note,
		)
		if err != nil {
			return wrapError("orders.update", err)
		}
		if tag.RowsAffected() == 0 {
			return wrapError("orders.update", pgx.ErrNoRows)
		}
		if _, err := q.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID); err != nil {
			return wrapError("orders.update", err)
		}
		return insertOrderItems(ctx, q, order)
	})
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q, locked := r.store.conn(ctx)
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lockClause(locked), strings.TrimSpace(orderID)))
	if err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}
	items, err := loadOrderItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.NormalizePageSize(filter.Pagination.PageSize)

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		where = append(where, "user_id = "+arg(userID))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if nanos, ok := cursor.Int64At(0); ok {
		afterID, _ := cursor.StringAt(1)
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(time.Unix(0, nanos).UTC()), arg(afterID)))
	}

	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, pageSize+1)

	q, _ := r.store.conn(ctx)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt.UnixNano(), last.ID}})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}

	ids := make([]string, 0, len(page.Items))
	for _, order := range page.Items {
		ids = append(ids, order.ID)
	}
	items, err := loadOrderItems(ctx, q, ids)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	for i := range page.Items {
		page.Items[i].Items = items[page.Items[i].ID]
	}
	return page, nil
}

func insertOrderItems(ctx context.Context, q querier, order domain.Order) error {
	for i, item := range order.Items {
		if _, err := q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, name, price, image, quantity, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, order.ID, item.ProductID, item.Name, item.Price, item.Image, item.Quantity, i,
		); err != nil {
			return wrapError("orders.insert_items", err)
		}
	}
	return nil
}

func loadOrderItems(ctx context.Context, q querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	rows, err := q.Query(ctx, `
		SELECT order_id, id, product_id, name, price, image, quantity
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, wrapError("orders.load_items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.Name, &item.Price, &item.Image, &item.Quantity); err != nil {
			return nil, wrapError("orders.load_items", err)
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("orders.load_items", err)
	}
	return result, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&status,
		&order.Currency,
		&order.Total,
		&order.Phone,
		&order.Address,
		&order.Note,
		&order.OTP,
		&order.OTPVerified,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.CancelledAt,
		&order.DeliveredAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}
