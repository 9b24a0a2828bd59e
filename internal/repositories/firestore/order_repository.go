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

const orderCollection = "orders"

// OrderRepository stores orders with their item snapshots embedded in the order document.
type OrderRepository struct {
	docs *pfirestore.Collection
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{docs: pfirestore.NewCollection(provider, orderCollection)}, nil
}

// Insert creates the order document; an existing id yields a conflict error.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.docs.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.docs.Set(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	snap, err := r.docs.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(snap)
}

// List returns the newest orders first, paging on (createdAt, document id).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	q, err := r.docs.Query(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.NormalizePageSize(filter.Pagination.PageSize)

	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		q = q.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		q = q.Where("status", "in", statuses)
	}
	q = q.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	if nanos, ok := cursor.Int64At(0); ok {
		id, _ := cursor.StringAt(1)
		q = q.StartAfter(time.Unix(0, nanos).UTC(), id)
	}

	var orders []domain.Order
	err = r.docs.Each(ctx, q, func(snap *firestore.DocumentSnapshot) error {
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		orders = append(orders, order)
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
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
	return page, nil
}

type orderDocument struct {
	UserID      string              `firestore:"userId"`
	Status      string              `firestore:"status"`
	Currency    string              `firestore:"currency"`
	Total       int64               `firestore:"total"`
	Phone       string              `firestore:"phone"`
	Address     string              `firestore:"address"`
	Note        string              `firestore:"note,omitempty"`
	OTP         string              `firestore:"otp"`
	OTPVerified bool                `firestore:"otpVerified"`
	Items       []orderItemDocument `firestore:"items"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
	CancelledAt *time.Time          `firestore:"cancelledAt,omitempty"`
	DeliveredAt *time.Time          `firestore:"deliveredAt,omitempty"`
}

type orderItemDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Price     int64  `firestore:"price"`
	Image     string `firestore:"image,omitempty"`
	Quantity  int64  `firestore:"quantity"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Total:       order.Total,
		Phone:       order.Phone,
		Address:     order.Address,
		Note:        order.Note,
		OTP:         order.OTP,
		OTPVerified: order.OTPVerified,
		Items:       make([]orderItemDocument, 0, len(order.Items)),
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
		CancelledAt: utcPtr(order.CancelledAt),
		DeliveredAt: utcPtr(order.DeliveredAt),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Image:     item.Image,
			Quantity:  int64(item.Quantity),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:          id,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Total:       d.Total,
		Phone:       d.Phone,
		Address:     d.Address,
		Note:        d.Note,
		OTP:         d.OTP,
		OTPVerified: d.OTPVerified,
		Items:       make([]domain.OrderItem, 0, len(d.Items)),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		CancelledAt: utcPtr(d.CancelledAt),
		DeliveredAt: utcPtr(d.DeliveredAt),
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Image:     item.Image,
			Quantity:  int(item.Quantity),
		})
	}
	return order
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
