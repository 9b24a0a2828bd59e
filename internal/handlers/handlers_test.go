package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/idempotency"
	"github.com/hanko-field/fulfillment/internal/repositories"
	"github.com/hanko-field/fulfillment/internal/repositories/memory"
	"github.com/hanko-field/fulfillment/internal/services"
)

// tokenVerifier treats the bearer token as the subject; "admin-*" subjects carry the admin role.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if token == "expired" {
		return nil, auth.ErrTokenExpired
	}
	claims := map[string]interface{}{}
	if len(token) > 6 && token[:6] == "admin-" {
		claims["role"] = "admin"
	}
	return &firebaseauth.Token{UID: token, Claims: claims}, nil
}

type apiHarness struct {
	t      *testing.T
	store  *memory.Store
	router chi.Router
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	store := memory.NewStore()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("%04d", seq.Add(1)) }

	ledger, err := services.NewStockLedger(services.StockLedgerDeps{Products: store.Products(), UnitOfWork: store})
	require.NoError(t, err)
	carts, err := services.NewCartService(services.CartServiceDeps{
		Carts:       store.Carts(),
		Products:    store.Products(),
		UnitOfWork:  store,
		Clock:       clock,
		IDGenerator: ids,
	})
	require.NoError(t, err)
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        store.Orders(),
		Carts:         store.Carts(),
		Products:      store.Products(),
		Stock:         ledger,
		UnitOfWork:    store,
		Clock:         clock,
		IDGenerator:   ids,
		CodeGenerator: func() (string, error) { return "424242", nil },
	})
	require.NoError(t, err)
	products, err := services.NewProductService(services.ProductServiceDeps{
		Products:          store.Products(),
		Stock:             ledger,
		UnitOfWork:        store,
		Clock:             clock,
		LowStockThreshold: 5,
	})
	require.NoError(t, err)

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "store", Critical: true, Check: store.Ping},
	})
	require.NoError(t, err)

	authn := auth.NewAuthenticator(tokenVerifier{})
	idem := idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithOptionalKey())
	orderHandlers := NewOrderHandlers(authn, orders, WithOrderIdempotency(idem))

	router := NewRouter(
		WithHealthHandlers(NewHealthHandlers(WithHealthRepository(health))),
		WithCartRoutes(NewCartHandlers(authn, carts).Routes),
		WithOrderRoutes(orderHandlers.Routes),
		WithAdditionalRoutes(orderHandlers.CheckoutRoutes),
		WithAdminRoutes(NewAdminOrderHandlers(authn, orders).Routes),
		WithAdminRoutes(NewAdminProductHandlers(authn, products).Routes),
	)
	return &apiHarness{t: t, store: store, router: router}
}

func (h *apiHarness) seedProduct(id string, mrp int64, stock *int, offers map[int]int) {
	h.t.Helper()
	_, err := h.store.Products().Upsert(context.Background(), domain.Product{
		ID:     id,
		Name:   "Product " + id,
		MRP:    mrp,
		Offers: domain.NewOfferTable(offers),
		Stock:  stock,
	})
	require.NoError(h.t, err)
}

func (h *apiHarness) stockOf(id string) *int {
	h.t.Helper()
	product, err := h.store.Products().Get(context.Background(), id)
	require.NoError(h.t, err)
	return product.Stock
}

type apiResponse struct {
	Code   int
	Header http.Header
	Body   map[string]any
	Raw    string
}

func (h *apiHarness) do(method, path, token string, body any, headers ...string) apiResponse {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	resp := apiResponse{Code: rec.Code, Header: rec.Header(), Raw: rec.Body.String()}
	if rec.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &resp.Body), rec.Body.String())
	}
	return resp
}

func intPtr(v int) *int { return &v }

func object(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected object, got %T", v)
	return m
}

func items(t *testing.T, v any) []any {
	t.Helper()
	list, ok := v.([]any)
	require.True(t, ok, "expected array, got %T", v)
	return list
}

func TestCartAddItemPricesWithOffers(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(10), map[int]int{3: 10})

	resp := h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 2})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	resp = h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 1})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)

	cart := object(t, resp.Body["cart"])
	lines := items(t, cart["items"])
	require.Len(t, lines, 1, "adding the same product merges lines")
	line := object(t, lines[0])
	require.EqualValues(t, 3, line["quantity"])
	require.EqualValues(t, 900, line["unit_price"])
	require.EqualValues(t, 2700, cart["subtotal"])
	require.Equal(t, "no-store, no-cache, max-age=0, must-revalidate", resp.Header.Get("Cache-Control"))
}

func TestCartAddItemBeyondShelfStock(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(2), nil)

	resp := h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 3})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "insufficient_stock", resp.Body["error"])
	require.Equal(t, "pen", resp.Body["product_id"])
	require.EqualValues(t, 2, resp.Body["available"])
	require.EqualValues(t, 3, resp.Body["requested"])
}

func TestCartValidation(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, nil, nil)

	resp := h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 0})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "invalid_request", resp.Body["error"])

	resp = h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "ghost", "quantity": 1})
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, "product_not_found", resp.Body["error"])

	resp = h.do(http.MethodPatch, "/api/v1/cart/items/ci_missing", "user-1", map[string]any{"quantity": 2})
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(http.MethodDelete, "/api/v1/cart/items/ci_missing", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code, "removing an absent line is not an error")
}

func TestCartRequiresAuthentication(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(http.MethodGet, "/api/v1/cart/", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "unauthenticated", resp.Body["error"])

	resp = h.do(http.MethodGet, "/api/v1/cart/", "expired", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "token_expired", resp.Body["error"])
}

func TestCheckoutReplaysWithIdempotencyKey(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(5), nil)

	resp := h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 2})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)

	body := map[string]any{"phone": "+81 90-1234-5678", "address": "1-2-3 Shibuya, Tokyo"}
	first := h.do(http.MethodPost, "/api/v1/orders:checkout", "user-1", body, "Idempotency-Key", "chk-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Raw)
	order := object(t, first.Body["order"])
	require.Equal(t, "PENDING", order["status"])
	require.EqualValues(t, 2000, order["total"])
	require.Equal(t, "424242", order["otp"])
	require.Equal(t, "/api/v1/orders/"+order["id"].(string), first.Header.Get("Location"))

	second := h.do(http.MethodPost, "/api/v1/orders:checkout", "user-1", body, "Idempotency-Key", "chk-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	require.Equal(t, order["id"], object(t, second.Body["order"])["id"])

	require.Equal(t, 3, *h.stockOf("pen"), "replay must not debit twice")

	third := h.do(http.MethodPost, "/api/v1/orders:checkout", "user-1", body)
	require.Equal(t, http.StatusConflict, third.Code)
	require.Equal(t, "empty_cart", third.Body["error"])
}

func TestCheckoutRejectsInvalidContact(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, nil, nil)
	h.do(http.MethodPost, "/api/v1/cart/items", "user-1", map[string]any{"product_id": "pen", "quantity": 1})

	resp := h.do(http.MethodPost, "/api/v1/orders:checkout", "user-1", map[string]any{"phone": "12", "address": "Tokyo"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "invalid_request", resp.Body["error"])
}

func TestCheckoutReportsMissingProduct(t *testing.T) {
	h := newAPIHarness(t)
	_, err := h.store.Carts().Save(context.Background(), domain.Cart{
		UserID: "user-1",
		Items:  []domain.CartItem{{ID: "ci_gone", ProductID: "gone", Quantity: 1}},
	})
	require.NoError(t, err)

	resp := h.do(http.MethodPost, "/api/v1/orders:checkout", "user-1", map[string]any{"phone": "09012345678", "address": "Osaka"})
	require.Equal(t, http.StatusNotFound, resp.Code, resp.Raw)
	require.Equal(t, "product_not_found", resp.Body["error"])
	require.Equal(t, "gone", resp.Body["product_id"])
}

func placeOrder(t *testing.T, h *apiHarness, user string, quantity int) string {
	t.Helper()
	resp := h.do(http.MethodPost, "/api/v1/cart/items", user, map[string]any{"product_id": "pen", "quantity": quantity})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	resp = h.do(http.MethodPost, "/api/v1/orders:checkout", user, map[string]any{"phone": "09012345678", "address": "Osaka"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Raw)
	return object(t, resp.Body["order"])["id"].(string)
}

func TestOrderVisibilityAndDeliveryFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(5), nil)
	orderID := placeOrder(t, h, "user-1", 1)

	resp := h.do(http.MethodGet, "/api/v1/orders/"+orderID, "user-2", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(http.MethodGet, "/api/v1/orders/"+orderID, "admin-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotContains(t, object(t, resp.Body["order"]), "otp")

	resp = h.do(http.MethodGet, "/api/v1/orders/", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, items(t, resp.Body["items"]), 1)

	resp = h.do(http.MethodPost, "/api/v1/orders/"+orderID+":verify-delivery", "user-1", map[string]any{"code": "000000"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(http.MethodPut, "/api/v1/admin/orders/"+orderID+"/status", "admin-1", map[string]any{"status": "shipped"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	require.Equal(t, "SHIPPED", object(t, resp.Body["order"])["status"])

	resp = h.do(http.MethodPost, "/api/v1/orders/"+orderID+":verify-delivery", "user-1", map[string]any{"code": "424242"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	order := object(t, resp.Body["order"])
	require.Equal(t, "DELIVERED", order["status"])
	require.Equal(t, true, order["otp_verified"])

	resp = h.do(http.MethodPost, "/api/v1/orders/"+orderID+":verify-delivery", "user-1", map[string]any{"code": "424242"})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "already_verified", resp.Body["error"])
}

func TestCancelRestoresStock(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(5), nil)
	orderID := placeOrder(t, h, "user-1", 2)
	require.Equal(t, 3, *h.stockOf("pen"))

	resp := h.do(http.MethodPost, "/api/v1/orders/"+orderID+":cancel", "user-2", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(http.MethodPost, "/api/v1/orders/"+orderID+":cancel", "user-1", map[string]any{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	require.Equal(t, "CANCELLED", object(t, resp.Body["order"])["status"])
	require.Equal(t, 5, *h.stockOf("pen"))

	resp = h.do(http.MethodPost, "/api/v1/orders/"+orderID+":cancel", "user-1", nil)
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "invalid_state", resp.Body["error"])
}

func TestAdminOrderEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.seedProduct("pen", 1000, intPtr(5), nil)
	orderID := placeOrder(t, h, "user-1", 2)

	resp := h.do(http.MethodPut, "/api/v1/admin/orders/"+orderID+"/status", "user-1", map[string]any{"status": "SHIPPED"})
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Equal(t, "forbidden", resp.Body["error"])

	resp = h.do(http.MethodPut, "/api/v1/admin/orders/"+orderID+"/status", "admin-1", map[string]any{"status": "LOST"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(http.MethodPut, "/api/v1/admin/orders/"+orderID+"/status", "admin-1", map[string]any{"status": "PENDING"})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "invalid_transition", resp.Body["error"])

	resp = h.do(http.MethodGet, "/api/v1/orders/"+orderID, "user-1", nil)
	itemID := object(t, items(t, object(t, resp.Body["order"])["items"])[0])["id"].(string)

	resp = h.do(http.MethodPatch, "/api/v1/admin/orders/"+orderID+"/items", "admin-1", map[string]any{
		"items": []map[string]any{{"item_id": itemID, "quantity": 1}},
	})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "invalid_state", resp.Body["error"], "only PARTIAL orders are editable")

	resp = h.do(http.MethodPut, "/api/v1/admin/orders/"+orderID+"/status", "admin-1", map[string]any{"status": "PARTIAL"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)

	resp = h.do(http.MethodPatch, "/api/v1/admin/orders/"+orderID+"/items", "admin-1", map[string]any{
		"items": []map[string]any{{"item_id": "oi_other", "quantity": 1}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	require.Equal(t, "foreign_item", resp.Body["error"])

	resp = h.do(http.MethodPatch, "/api/v1/admin/orders/"+orderID+"/items", "admin-1", map[string]any{
		"items": []map[string]any{{"item_id": itemID, "quantity": 1}},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	require.EqualValues(t, 1000, object(t, resp.Body["order"])["total"])
	require.Equal(t, 4, *h.stockOf("pen"))

	resp = h.do(http.MethodPatch, "/api/v1/admin/orders/"+orderID+"/items", "admin-1", map[string]any{
		"items": []map[string]any{{"item_id": itemID, "quantity": 10}},
	})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "insufficient_stock", resp.Body["error"])
	require.EqualValues(t, 4, resp.Body["available"])
}

func TestAdminProductEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(http.MethodPut, "/api/v1/admin/products/mug", "admin-1", map[string]any{
		"name":   "Mug",
		"mrp":    1500,
		"offers": map[string]any{"5": 10, "10": 20},
		"stock":  3,
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	product := object(t, resp.Body["product"])
	require.Equal(t, true, product["tracked"])
	require.EqualValues(t, 10, object(t, product["offers"])["5"])

	resp = h.do(http.MethodPut, "/api/v1/admin/products/mug", "user-1", map[string]any{"name": "Mug", "mrp": 1})
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = h.do(http.MethodGet, "/api/v1/admin/products:low-stock", "admin-1", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	require.Len(t, items(t, resp.Body["items"]), 1)

	resp = h.do(http.MethodPost, "/api/v1/admin/products/mug:adjust-stock", "admin-1", map[string]any{"delta": 7, "reason": "restock"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Raw)
	require.EqualValues(t, 10, resp.Body["stock"])

	resp = h.do(http.MethodPost, "/api/v1/admin/products/mug:adjust-stock", "admin-1", map[string]any{"delta": -11})
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "insufficient_stock", resp.Body["error"])

	resp = h.do(http.MethodGet, "/api/v1/admin/products:low-stock?threshold=5", "admin-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, items(t, resp.Body["items"]))

	resp = h.do(http.MethodGet, "/api/v1/admin/products/ghost", "admin-1", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", resp.Body["status"])

	resp = h.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", object(t, object(t, resp.Body["checks"])["store"])["status"])

	failing, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "store", Critical: true, Check: func(context.Context) error { return errors.New("down") }},
	})
	require.NoError(t, err)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthRepository(failing))))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterNotFoundEnvelope(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(http.MethodGet, "/api/v1/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, "route_not_found", resp.Body["error"])
}
