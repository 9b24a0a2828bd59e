package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
)

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 30 * time.Second
)

// RouteRegistrar mounts a handler group on r.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string][]RouteRegistrar
	root        []RouteRegistrar
}

// Option customises NewRouter.
type Option func(*routerConfig)

// WithMiddlewares appends global middleware, applied after request id and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCartRoutes mounts reg under /api/v1/cart.
func WithCartRoutes(reg RouteRegistrar) Option { return withGroup("/cart", reg) }

// WithOrderRoutes mounts reg under /api/v1/orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup("/orders", reg) }

// WithAdminRoutes mounts reg under /api/v1/admin. It may be given more than once.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup("/admin", reg) }

// WithAdditionalRoutes registers reg directly on /api/v1, for paths such as /orders:checkout
// that do not nest under a group.
func WithAdditionalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if reg != nil {
			cfg.root = append(cfg.root, reg)
		}
	}
}

func withGroup(prefix string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if reg != nil {
			cfg.groups[prefix] = append(cfg.groups[prefix], reg)
		}
	}
}

// NewRouter builds the API router. Unknown routes and methods answer with the JSON error
// envelope rather than chi's plain-text defaults.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{timeout: defaultRequestTimeout, groups: make(map[string][]RouteRegistrar)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for prefix, registrars := range cfg.groups {
			api.Route(prefix, func(group chi.Router) {
				for _, reg := range registrars {
					reg(group)
				}
			})
		}
		for _, reg := range cfg.root {
			reg(api)
		}
	})
	return r
}
