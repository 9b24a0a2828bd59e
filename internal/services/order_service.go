package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/textutil"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventCancelled     = "order.cancelled"
	orderEventStatusChanged = "order.status_changed"
	orderEventDelivered     = "order.delivered"
	orderEventItemsEdited   = "order.items_edited"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oi_"

	deliveryCodeLength = 6
	maxAddressLength   = 500
	maxNoteLength      = 1000
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data, including a wrong delivery code.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderUnauthenticated indicates the caller has no identity.
	ErrOrderUnauthenticated = errors.New("order: unauthenticated")
	// ErrOrderPermissionDenied indicates the caller lacks the role required for the operation.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrOrderNotFound indicates the order could not be located for this actor.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderEmptyCart indicates checkout was attempted with no cart items.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrOrderInvalidState indicates the current status forbids the operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderInvalidTransition indicates the requested status change is outside the lifecycle graph.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderAlreadyVerified indicates the delivery code has already been confirmed.
	ErrOrderAlreadyVerified = errors.New("order: delivery already verified")
	// ErrOrderForeignItem indicates an item id does not belong to the order.
	ErrOrderForeignItem = errors.New("order: item does not belong to order")
	// ErrOrderUnavailable indicates the backing store could not serve the request.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
)

// orderStateTransitions lists the statuses reachable from each non-terminal status.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusShipped, domain.OrderStatusPartial, domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusFailed},
	domain.OrderStatusShipped: {domain.OrderStatusPartial, domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusFailed},
	domain.OrderStatusPartial: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusShipped,
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	Total          int64
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Stock       StockAdjuster
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	// CodeGenerator returns the delivery code; defaults to a crypto/rand 6-digit code.
	CodeGenerator func() (string, error)
	Currency      string
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	stock      StockAdjuster
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	newCode    func() (string, error)
	currency   string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	codeGen := deps.CodeGenerator
	if codeGen == nil {
		codeGen = randomDeliveryCode
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "JPY"
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		carts:      deps.Carts,
		products:   deps.Products,
		stock:      deps.Stock,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		newCode:  codeGen,
		currency: currency,
		events:   deps.Events,
		logger:   logger,
	}, nil
}

// Checkout converts the actor's cart into a PENDING order. Loading the cart, checking and
// debiting stock, persisting the order, and emptying the cart commit together or not at all.
func (s *orderService) Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.Actor.UserID)
	if userID == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	phone, err := textutil.NormalizePhone(cmd.Phone)
	if err != nil {
		return Order{}, fmt.Errorf("%w: phone must contain 7-15 digits", ErrOrderInvalidInput)
	}
	address := textutil.SanitizeText(cmd.Address, maxAddressLength)
	if address == "" {
		return Order{}, fmt.Errorf("%w: address is required", ErrOrderInvalidInput)
	}
	note := textutil.SanitizeText(cmd.Note, maxNoteLength)

	code, err := s.newCode()
	if err != nil {
		return Order{}, fmt.Errorf("order: generate delivery code: %w", err)
	}

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.carts.Get(txCtx, userID)
		if err != nil && !isRepoNotFound(err) {
			return s.mapRepositoryError(err)
		}
		if len(cart.Items) == 0 {
			return ErrOrderEmptyCart
		}

		ids := make([]string, 0, len(cart.Items))
		for _, item := range cart.Items {
			ids = append(ids, item.ProductID)
		}
		products, err := s.products.GetMany(txCtx, ids)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		now := s.now()
		order = Order{
			ID:        s.nextOrderID(),
			UserID:    userID,
			Status:    domain.OrderStatusPending,
			Currency:  s.currency,
			Phone:     phone,
			Address:   address,
			Note:      note,
			OTP:       code,
			Items:     make([]OrderItem, 0, len(cart.Items)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		debits := make([]StockAdjustment, 0, len(cart.Items))
		for _, item := range cart.Items {
			product, ok := products[item.ProductID]
			if !ok {
				return &MissingProductError{ProductID: item.ProductID}
			}
			order.Items = append(order.Items, OrderItem{
				ID:        orderItemIDPrefix + s.newID(),
				ProductID: product.ID,
				Name:      product.Name,
				Price:     domain.ResolveUnitPrice(product, item.Quantity),
				Image:     product.PrimaryImage(),
				Quantity:  item.Quantity,
			})
			debits = append(debits, StockAdjustment{ProductID: product.ID, Delta: -item.Quantity})
		}
		order.Total = order.ComputeTotal()

		if _, err := s.stock.Apply(txCtx, debits); err != nil {
			return err
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.carts.Clear(txCtx, userID); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: order.Status,
		Total:         order.Total,
		ActorID:       userID,
		OccurredAt:    order.CreatedAt,
		Metadata:      map[string]any{"items": len(order.Items)},
	})
	return order, nil
}

// GetOrder returns the order if the actor owns it or is an administrator.
// The delivery code is only disclosed to the owner.
func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !visibleTo(order, actor) {
		return Order{}, ErrOrderNotFound
	}
	if order.UserID != actor.UserID {
		order.OTP = ""
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Actor, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, ErrOrderUnauthenticated
	}
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     userID,
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Cancel reverses a PENDING or SHIPPED order on behalf of its owner or an administrator
// and credits every item back to stock.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.Actor.UserID) == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		order      Order
		prevStatus OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !visibleTo(order, cmd.Actor) {
			return ErrOrderNotFound
		}
		if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: order status %s cannot be cancelled", ErrOrderInvalidState, order.Status)
		}
		if order.OTPVerified {
			return ErrOrderAlreadyVerified
		}

		prevStatus = order.Status
		if err := s.restoreStock(txCtx, order); err != nil {
			return err
		}
		s.applyStatus(&order, domain.OrderStatusCancelled, s.now())
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: prevStatus,
		CurrentStatus:  order.Status,
		Total:          order.Total,
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
	return order, nil
}

// VerifyDeliveryCode confirms delivery: a matching code marks the order verified and DELIVERED.
func (s *orderService) VerifyDeliveryCode(ctx context.Context, cmd VerifyDeliveryCodeCommand) (Order, error) {
	if strings.TrimSpace(cmd.Actor.UserID) == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	code := strings.TrimSpace(cmd.Code)
	if len(code) != deliveryCodeLength || strings.Trim(code, "0123456789") != "" {
		return Order{}, fmt.Errorf("%w: delivery code must be %d digits", ErrOrderInvalidInput, deliveryCodeLength)
	}

	var (
		order      Order
		prevStatus OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !visibleTo(order, cmd.Actor) {
			return ErrOrderNotFound
		}
		if order.OTPVerified {
			return ErrOrderAlreadyVerified
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: order is %s", ErrOrderInvalidState, order.Status)
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(order.OTP)) != 1 {
			return fmt.Errorf("%w: delivery code does not match", ErrOrderInvalidInput)
		}

		prevStatus = order.Status
		order.OTPVerified = true
		s.applyStatus(&order, domain.OrderStatusDelivered, s.now())
		return s.mapRepositoryError(s.orders.Update(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventDelivered,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: prevStatus,
		CurrentStatus:  order.Status,
		Total:          order.Total,
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"verifiedBy": "code"},
	})
	return order, nil
}

// SetStatus moves an order along the lifecycle graph on behalf of an administrator.
// Entering CANCELLED or FAILED restores stock; entering DELIVERED without a verified
// code is an override that marks the order verified.
func (s *orderService) SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error) {
	if err := requireAdmin(cmd.Actor); err != nil {
		return Order{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.Status))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var (
		order      Order
		prevStatus OrderStatus
		override   bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkTransition(order.Status, target); err != nil {
			return err
		}

		prevStatus = order.Status
		switch target {
		case domain.OrderStatusCancelled, domain.OrderStatusFailed:
			if err := s.restoreStock(txCtx, order); err != nil {
				return err
			}
		case domain.OrderStatusDelivered:
			if !order.OTPVerified {
				override = true
				order.OTPVerified = true
			}
		}
		s.applyStatus(&order, target, s.now())
		return s.mapRepositoryError(s.orders.Update(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	eventType := orderEventStatusChanged
	switch target {
	case domain.OrderStatusCancelled:
		eventType = orderEventCancelled
	case domain.OrderStatusDelivered:
		eventType = orderEventDelivered
	}
	metadata := map[string]any{}
	if override {
		metadata["verifiedBy"] = "admin_override"
		s.logger(ctx, "order.delivery.override", map[string]any{"orderId": order.ID, "adminId": cmd.Actor.UserID})
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: prevStatus,
		CurrentStatus:  order.Status,
		Total:          order.Total,
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
	return order, nil
}

// EditItems changes item quantities on a PARTIAL order, reconciling stock for each delta
// and re-deriving the total from the snapshot prices.
func (s *orderService) EditItems(ctx context.Context, cmd EditOrderItemsCommand) (Order, error) {
	if err := requireAdmin(cmd.Actor); err != nil {
		return Order{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	requested := make(map[string]int, len(cmd.Items))
	for _, item := range cmd.Items {
		itemID := strings.TrimSpace(item.ItemID)
		if itemID == "" {
			return Order{}, fmt.Errorf("%w: item id is required", ErrOrderInvalidInput)
		}
		if item.Quantity < 0 {
			return Order{}, fmt.Errorf("%w: quantity must not be negative", ErrOrderInvalidInput)
		}
		if item.Quantity > maxCartLineQuantity {
			return Order{}, fmt.Errorf("%w: quantity must not exceed %d", ErrOrderInvalidInput, maxCartLineQuantity)
		}
		if _, dup := requested[itemID]; dup {
			return Order{}, fmt.Errorf("%w: item %s listed more than once", ErrOrderInvalidInput, itemID)
		}
		requested[itemID] = item.Quantity
	}

	var (
		order     Order
		prevTotal int64
		changed   int
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status != domain.OrderStatusPartial {
			return fmt.Errorf("%w: items can only be edited on a %s order, order is %s", ErrOrderInvalidState, domain.OrderStatusPartial, order.Status)
		}

		index := make(map[string]int, len(order.Items))
		for i, item := range order.Items {
			index[item.ID] = i
		}
		for itemID := range requested {
			if _, ok := index[itemID]; !ok {
				return fmt.Errorf("%w: %s", ErrOrderForeignItem, itemID)
			}
		}

		prevTotal = order.Total
		var adjustments []StockAdjustment
		changed = 0
		for _, item := range cmd.Items {
			i := index[strings.TrimSpace(item.ItemID)]
			delta := order.Items[i].Quantity - item.Quantity
			if delta == 0 {
				continue
			}
			adjustments = append(adjustments, StockAdjustment{ProductID: order.Items[i].ProductID, Delta: delta})
			order.Items[i].Quantity = item.Quantity
			changed++
		}
		if len(adjustments) > 0 {
			if _, err := s.stock.Apply(txCtx, adjustments); err != nil {
				return err
			}
		}

		order.Total = order.ComputeTotal()
		order.UpdatedAt = s.now()
		return s.mapRepositoryError(s.orders.Update(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventItemsEdited,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: order.Status,
		Total:         order.Total,
		ActorID:       cmd.Actor.UserID,
		OccurredAt:    order.UpdatedAt,
		Metadata:      map[string]any{"previousTotal": prevTotal, "changedItems": changed},
	})
	return order, nil
}

func (s *orderService) restoreStock(ctx context.Context, order Order) error {
	credits := make([]StockAdjustment, 0, len(order.Items))
	for _, item := range order.Items {
		if item.Quantity == 0 {
			continue
		}
		credits = append(credits, StockAdjustment{ProductID: item.ProductID, Delta: item.Quantity})
	}
	if len(credits) == 0 {
		return nil
	}
	_, err := s.stock.Apply(ctx, credits)
	return err
}

func (s *orderService) applyStatus(order *Order, target OrderStatus, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict(), repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return runUnit(ctx, noopUnitOfWork{}, fn)
	}
	return runUnit(ctx, s.unitOfWork, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.CurrentStatus),
		})
	}
}

// checkTransition validates current -> target against the lifecycle graph.
func checkTransition(current, target OrderStatus) error {
	if current.Terminal() {
		return fmt.Errorf("%w: order is %s", ErrOrderInvalidState, current)
	}
	if !slices.Contains(orderStateTransitions[current], target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
	}
	return nil
}

func visibleTo(order Order, actor Actor) bool {
	return actor.IsAdmin() || order.UserID == actor.UserID
}

func requireAdmin(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return ErrOrderUnauthenticated
	}
	if !actor.IsAdmin() {
		return ErrOrderPermissionDenied
	}
	return nil
}

func randomDeliveryCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", deliveryCodeLength, n.Int64()), nil
}
