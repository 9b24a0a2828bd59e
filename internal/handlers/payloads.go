package handlers

import (
	"strconv"

	"github.com/hanko-field/fulfillment/internal/services"
)

type orderItemPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	Currency    string             `json:"currency"`
	Total       int64              `json:"total"`
	Phone       string             `json:"phone"`
	Address     string             `json:"address"`
	Note        string             `json:"note,omitempty"`
	OTP         string             `json:"otp,omitempty"`
	OTPVerified bool               `json:"otp_verified"`
	Items       []orderItemPayload `json:"items"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
	CancelledAt string             `json:"cancelled_at,omitempty"`
	DeliveredAt string             `json:"delivered_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Image:     item.Image,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal(),
		})
	}
	return orderPayload{
		ID:          order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Total:       order.Total,
		Phone:       order.Phone,
		Address:     order.Address,
		Note:        order.Note,
		OTP:         order.OTP,
		OTPVerified: order.OTPVerified,
		Items:       items,
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
		CancelledAt: formatTimePointer(order.CancelledAt),
		DeliveredAt: formatTimePointer(order.DeliveredAt),
	}
}

type cartLinePayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
	Available *int   `json:"available,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
	AddedAt   string `json:"added_at,omitempty"`
}

type cartPayload struct {
	ID         string            `json:"id,omitempty"`
	UserID     string            `json:"user_id"`
	Currency   string            `json:"currency"`
	ItemsCount int               `json:"items_count"`
	Items      []cartLinePayload `json:"items"`
	Subtotal   int64             `json:"subtotal"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

func buildCartPayload(view services.CartView) cartPayload {
	lines := make([]cartLinePayload, 0, len(view.Lines))
	for _, line := range view.Lines {
		lines = append(lines, cartLinePayload{
			ID:        line.Item.ID,
			ProductID: line.Item.ProductID,
			Name:      line.Name,
			Image:     line.Image,
			Quantity:  line.Item.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal,
			Available: line.Available,
			Missing:   line.Missing,
			AddedAt:   formatTime(line.Item.AddedAt),
		})
	}
	return cartPayload{
		ID:         view.Cart.ID,
		UserID:     view.Cart.UserID,
		Currency:   view.Currency,
		ItemsCount: len(lines),
		Items:      lines,
		Subtotal:   view.Subtotal,
		UpdatedAt:  formatTime(view.Cart.UpdatedAt),
	}
}

type productPayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	MRP       int64          `json:"mrp"`
	Offers    map[string]int `json:"offers,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Stock     *int           `json:"stock"`
	Tracked   bool           `json:"tracked"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productListResponse struct {
	Items         []productPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	var offers map[string]int
	if len(product.Offers) > 0 {
		offers = make(map[string]int, len(product.Offers))
		for _, tier := range product.Offers {
			offers[strconv.Itoa(tier.MinQuantity)] = tier.DiscountPercent
		}
	}
	return productPayload{
		ID:        product.ID,
		Name:      product.Name,
		MRP:       product.MRP,
		Offers:    offers,
		Images:    append([]string(nil), product.Images...),
		Stock:     product.Stock,
		Tracked:   product.Tracked(),
		CreatedAt: formatTime(product.CreatedAt),
		UpdatedAt: formatTime(product.UpdatedAt),
	}
}

type stockLevelPayload struct {
	ProductID string `json:"product_id"`
	Stock     *int   `json:"stock"`
	Delta     int    `json:"delta"`
}
