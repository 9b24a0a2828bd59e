package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/services"
)

type setOrderStatusRequest struct {
	Status string `json:"status"`
}

type editOrderItemsRequest struct {
	Items []struct {
		ItemID   string `json:"item_id"`
		Quantity *int   `json:"quantity"`
	} `json:"items"`
}

// AdminOrderHandlers exposes staff-only order operations.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewAdminOrderHandlers constructs handlers restricted to administrators.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the admin order endpoints under /admin.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleAdmin))
	}
	group.Put("/orders/{orderID}/status", h.setStatus)
	group.Patch("/orders/{orderID}/items", h.editItems)
}

func (h *AdminOrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req setOrderStatusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	status, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be one of PENDING, SHIPPED, PARTIAL, DELIVERED, CANCELLED, FAILED", http.StatusBadRequest))
		return
	}

	order, err := h.orders.SetStatus(ctx, services.SetOrderStatusCommand{
		Actor:   actor,
		OrderID: chi.URLParam(r, "orderID"),
		Status:  status,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) editItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req editOrderItemsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items must not be empty", http.StatusBadRequest))
		return
	}
	items := make([]services.OrderItemQuantity, 0, len(req.Items))
	for _, item := range req.Items {
		if strings.TrimSpace(item.ItemID) == "" || item.Quantity == nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "each item requires item_id and quantity", http.StatusBadRequest))
			return
		}
		items = append(items, services.OrderItemQuantity{
			ItemID:   strings.TrimSpace(item.ItemID),
			Quantity: *item.Quantity,
		})
	}

	order, err := h.orders.EditItems(ctx, services.EditOrderItemsCommand{
		Actor:   actor,
		OrderID: chi.URLParam(r, "orderID"),
		Items:   items,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
