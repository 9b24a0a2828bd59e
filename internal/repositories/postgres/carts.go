package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

type cartRepository struct{ store *Store }

func (r *cartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	q, locked := r.store.conn(ctx)

	cart := domain.Cart{ID: userID, UserID: userID}
	err := q.QueryRow(ctx, `SELECT created_at, updated_at FROM carts WHERE user_id = $1`+lockClause(locked), userID).
		Scan(&cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return domain.Cart{}, wrapError("carts.get", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, product_id, quantity, added_at
		FROM cart_items WHERE user_id = $1 ORDER BY position`, userID)
	if err != nil {
		return domain.Cart{}, wrapError("carts.get", err)
	}
	cart.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CartItem, error) {
		var item domain.CartItem
		err := row.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.AddedAt)
		item.AddedAt = item.AddedAt.UTC()
		return item, err
	})
	if err != nil {
		return domain.Cart{}, wrapError("carts.get", err)
	}
	cart.CreatedAt = cart.CreatedAt.UTC()
	cart.UpdatedAt = cart.UpdatedAt.UTC()
	return cart, nil
}

// Save replaces the cart header and all of its lines.
func (r *cartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("postgres cart repository: user id is required")
	}
	now := time.Now().UTC()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = now
	}
	cart.ID = userID
	cart.UserID = userID

	err := r.store.atomically(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `
			INSERT INTO carts (user_id, created_at, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
			userID, cart.CreatedAt, cart.UpdatedAt); err != nil {
			return wrapError("carts.save", err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
			return wrapError("carts.save", err)
		}
		for i, item := range cart.Items {
			addedAt := item.AddedAt
			if addedAt.IsZero() {
				addedAt = now
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO cart_items (id, user_id, product_id, quantity, added_at, position)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				item.ID, userID, item.ProductID, item.Quantity, addedAt, i); err != nil {
				return wrapError("carts.save", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (r *cartRepository) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	return r.store.atomically(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
			return wrapError("carts.clear", err)
		}
		if _, err := q.Exec(ctx, `UPDATE carts SET updated_at = $2 WHERE user_id = $1`, userID, time.Now().UTC()); err != nil {
			return wrapError("carts.clear", err)
		}
		return nil
	})
}
