package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/services"
)

type upsertProductRequest struct {
	Name   string          `json:"name"`
	MRP    *int64          `json:"mrp"`
	Offers json.RawMessage `json:"offers"`
	Images []string        `json:"images"`
	Stock  *int            `json:"stock"`
}

type adjustStockRequest struct {
	Delta  *int   `json:"delta"`
	Reason string `json:"reason"`
}

// AdminProductHandlers exposes product record maintenance and the stock ledger to staff.
type AdminProductHandlers struct {
	authn    *auth.Authenticator
	products services.ProductService
}

// NewAdminProductHandlers constructs handlers restricted to administrators.
func NewAdminProductHandlers(authn *auth.Authenticator, products services.ProductService) *AdminProductHandlers {
	return &AdminProductHandlers{
		authn:    authn,
		products: products,
	}
}

// Routes registers the admin product endpoints under /admin.
func (h *AdminProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleAdmin))
	}
	group.Get("/products:low-stock", h.listLowStock)
	group.Get("/products/{productID}", h.getProduct)
	group.Put("/products/{productID}", h.upsertProduct)
	group.Post("/products/{productID}:adjust-stock", h.adjustStock)
}

func (h *AdminProductHandlers) upsertProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.products == nil {
		httpx.WriteError(ctx, w, httpx.NewError("product_service_unavailable", "product service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req upsertProductRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.MRP == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "mrp is required", http.StatusBadRequest))
		return
	}

	cmd := services.UpsertProductCommand{
		Actor: actor,
		Product: services.Product{
			ID:     strings.TrimSpace(chi.URLParam(r, "productID")),
			Name:   req.Name,
			MRP:    *req.MRP,
			Images: req.Images,
			Stock:  req.Stock,
		},
	}
	if len(req.Offers) > 0 && string(req.Offers) != "null" {
		cmd.RawOffers = req.Offers
	}

	product, err := h.products.UpsertProduct(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.products == nil {
		httpx.WriteError(ctx, w, httpx.NewError("product_service_unavailable", "product service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	product, err := h.products.GetProduct(ctx, actor, chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminProductHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.products == nil {
		httpx.WriteError(ctx, w, httpx.NewError("product_service_unavailable", "product service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req adjustStockRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Delta == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delta is required", http.StatusBadRequest))
		return
	}

	level, err := h.products.AdjustStock(ctx, services.AdjustStockCommand{
		Actor:     actor,
		ProductID: chi.URLParam(r, "productID"),
		Delta:     *req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockLevelPayload{
		ProductID: level.ProductID,
		Stock:     level.Stock,
		Delta:     level.Delta,
	})
}

func (h *AdminProductHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.products == nil {
		httpx.WriteError(ctx, w, httpx.NewError("product_service_unavailable", "product service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	pagination, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.LowStockFilter{Pagination: pagination}
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.Threshold = &threshold
	}

	page, err := h.products.ListLowStock(ctx, actor, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{Items: items, NextPageToken: page.NextPageToken})
}
