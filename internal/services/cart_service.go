package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const (
	cartItemIDPrefix    = "ci_"
	maxCartLines        = 100
	maxCartLineQuantity = 999
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnauthenticated indicates the caller has no identity.
	ErrCartUnauthenticated = errors.New("cart service: unauthenticated")
	// ErrCartNotFound indicates the cart item does not exist in the caller's cart.
	ErrCartNotFound = errors.New("cart service: not found")
	// ErrCartProductNotFound indicates the referenced product does not exist.
	ErrCartProductNotFound = errors.New("cart service: product not found")
	// ErrCartUnavailable indicates the backing store could not serve the request.
	ErrCartUnavailable = errors.New("cart service: unavailable")
)

// CartServiceDeps wires the repositories used for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	IDGenerator     func() string
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	now        func() time.Time
	newID      func() string
	currency   string
	logger     func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
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
		idGen = func() string { return ulid.Make().String() }
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "JPY"
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:      deps.Carts,
		products:   deps.Products,
		unitOfWork: unit,
		now:        func() time.Time { return clock().UTC() },
		newID:      idGen,
		currency:   currency,
		logger:     logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, actor Actor) (CartView, error) {
	userID, err := cartOwner(actor)
	if err != nil {
		return CartView{}, err
	}
	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	return s.price(ctx, cart)
}

// AddItem adds quantity units of a product, merging with an existing line for the same product.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error) {
	userID, err := cartOwner(cmd.Actor)
	if err != nil {
		return CartView{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	if err := validateCartQuantity(cmd.Quantity); err != nil {
		return CartView{}, err
	}

	var saved Cart
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.loadCart(txCtx, userID)
		if err != nil {
			return err
		}
		product, err := s.products.Get(txCtx, productID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
			}
			return s.mapRepositoryError(err)
		}

		now := s.now()
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ProductID == productID })
		quantity := cmd.Quantity
		if idx >= 0 {
			quantity += cart.Items[idx].Quantity
		}
		if err := validateCartQuantity(quantity); err != nil {
			return err
		}
		if err := checkShelfStock(product, quantity); err != nil {
			return err
		}
		if idx >= 0 {
			cart.Items[idx].Quantity = quantity
		} else {
			if len(cart.Items) >= maxCartLines {
				return fmt.Errorf("%w: cart cannot hold more than %d lines", ErrCartInvalidInput, maxCartLines)
			}
			cart.Items = append(cart.Items, CartItem{
				ID:        cartItemIDPrefix + s.newID(),
				ProductID: productID,
				Quantity:  quantity,
				AddedAt:   now,
			})
		}
		cart.UpdatedAt = now
		saved, err = s.carts.Save(txCtx, cart)
		return s.mapRepositoryError(err)
	})
	if err != nil {
		return CartView{}, err
	}

	s.logger(ctx, "cart.item.added", map[string]any{"userId": userID, "productId": productID, "quantity": cmd.Quantity})
	return s.price(ctx, saved)
}

func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (CartView, error) {
	userID, err := cartOwner(cmd.Actor)
	if err != nil {
		return CartView{}, err
	}
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return CartView{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	if err := validateCartQuantity(cmd.Quantity); err != nil {
		return CartView{}, err
	}

	var saved Cart
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.loadCart(txCtx, userID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ID == itemID })
		if idx < 0 {
			return fmt.Errorf("%w: item %s", ErrCartNotFound, itemID)
		}
		product, err := s.products.Get(txCtx, cart.Items[idx].ProductID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: %s", ErrCartProductNotFound, cart.Items[idx].ProductID)
			}
			return s.mapRepositoryError(err)
		}
		if err := checkShelfStock(product, cmd.Quantity); err != nil {
			return err
		}
		cart.Items[idx].Quantity = cmd.Quantity
		cart.UpdatedAt = s.now()
		saved, err = s.carts.Save(txCtx, cart)
		return s.mapRepositoryError(err)
	})
	if err != nil {
		return CartView{}, err
	}
	return s.price(ctx, saved)
}

// RemoveItem deletes a line from the cart. Removing an absent line succeeds.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error) {
	userID, err := cartOwner(cmd.Actor)
	if err != nil {
		return CartView{}, err
	}
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return CartView{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}

	var saved Cart
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.loadCart(txCtx, userID)
		if err != nil {
			return err
		}
		remaining := slices.DeleteFunc(cart.Items, func(item CartItem) bool { return item.ID == itemID })
		if len(remaining) == len(cart.Items) {
			saved = cart
			return nil
		}
		cart.Items = remaining
		cart.UpdatedAt = s.now()
		saved, err = s.carts.Save(txCtx, cart)
		return s.mapRepositoryError(err)
	})
	if err != nil {
		return CartView{}, err
	}
	return s.price(ctx, saved)
}

// loadCart returns the user's cart or an unsaved empty one when none exists yet.
func (s *cartService) loadCart(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{ID: userID, UserID: userID}, nil
		}
		return Cart{}, s.mapRepositoryError(err)
	}
	cart.UserID = userID
	if cart.ID == "" {
		cart.ID = userID
	}
	return cart, nil
}

func (s *cartService) price(ctx context.Context, cart Cart) (CartView, error) {
	view := CartView{Cart: cart, Currency: s.currency}
	if len(cart.Items) == 0 {
		return view, nil
	}

	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.GetMany(ctx, ids)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	view.Lines = make([]CartLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		line := CartLine{Item: item}
		product, ok := products[item.ProductID]
		if !ok {
			line.Missing = true
			view.Lines = append(view.Lines, line)
			continue
		}
		line.Name = product.Name
		line.Image = product.PrimaryImage()
		line.UnitPrice = domain.ResolveUnitPrice(product, item.Quantity)
		line.Subtotal = line.UnitPrice * int64(item.Quantity)
		if product.Stock != nil {
			line.Available = valuePtr(*product.Stock)
		}
		view.Subtotal += line.Subtotal
		view.Lines = append(view.Lines, line)
	}
	return view, nil
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsUnavailable(), repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}

func cartOwner(actor Actor) (string, error) {
	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return "", ErrCartUnauthenticated
	}
	return userID, nil
}

func validateCartQuantity(quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	if quantity > maxCartLineQuantity {
		return fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, maxCartLineQuantity)
	}
	return nil
}

// checkShelfStock rejects cart quantities the shelf cannot currently cover. Checkout re-checks under lock.
func checkShelfStock(product Product, quantity int) error {
	if product.Stock == nil || quantity <= *product.Stock {
		return nil
	}
	return &InsufficientStockError{ProductID: product.ID, Requested: quantity, Available: *product.Stock}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
