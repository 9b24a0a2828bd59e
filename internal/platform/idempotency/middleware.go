package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "X-Idempotent-Replay"
	anonymous     = "anonymous"
)

type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	methods  map[string]struct{}
	clock    func() time.Time
	logger   *zap.Logger
	optional bool
}

// Option customises the middleware.
type Option func(*guard)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a completed response is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods limits the guarded HTTP methods. POST is guarded by default.
func WithMethods(methods ...string) Option {
	return func(g *guard) {
		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = struct{}{}
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

// WithLogger reports store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithOptionalKey lets requests without a key through unguarded.
func WithOptionalKey() Option {
	return func(g *guard) { g.optional = true }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes retried checkout and cancel calls safe. The first request carrying a key
// runs the handler and its response is stored; a retry with the same key, caller and payload
// receives the stored response with X-Idempotent-Replay set. Server errors are not stored so
// the retry executes again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:   store,
		header:  defaultHeader,
		ttl:     DefaultTTL,
		methods: map[string]struct{}{http.MethodPost: {}},
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if _, guarded := g.methods[r.Method]; !guarded {
		next.ServeHTTP(w, r)
		return
	}
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		if g.optional {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, r, http.StatusBadRequest, "idempotency_key_required", g.header+" header is required")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "unable to read request body")
		return
	}
	caller := callerOf(r)
	scope := caller + "|" + key
	fingerprint := fingerprintOf(r, caller, body)
	ctx := r.Context()

	claim, err := g.store.Claim(ctx, scope, fingerprint, g.clock(), g.ttl)
	switch {
	case errors.Is(err, ErrKeyReuse):
		writeError(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.logger.Error("idempotency claim failed", zap.String("caller", caller), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
		return
	}

	switch claim.Outcome {
	case OutcomeReplay:
		requestctx.AnnotationsFrom(ctx).MarkReplayed()
		replay(w, claim.Entry.Response)
		return
	case OutcomeInFlight:
		writeError(w, r, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still processing")
		return
	}

	captured := newCapture()
	next.ServeHTTP(captured, r)

	if captured.status >= http.StatusInternalServerError {
		if err := g.store.Abandon(ctx, scope, fingerprint); err != nil {
			g.logger.Warn("idempotency abandon failed", zap.String("caller", caller), zap.Error(err))
		}
		captured.flush(w)
		return
	}
	if err := g.store.Complete(ctx, scope, fingerprint, captured.response(), g.clock(), g.ttl); err != nil {
		g.logger.Error("idempotency complete failed", zap.String("caller", caller), zap.Error(err))
		if err := g.store.Abandon(ctx, scope, fingerprint); err != nil {
			g.logger.Warn("idempotency abandon failed", zap.String("caller", caller), zap.Error(err))
		}
	}
	captured.flush(w)
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func callerOf(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return anonymous
}

func fingerprintOf(r *http.Request, caller string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, caller} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp StoredResponse) {
	dst := w.Header()
	for name, values := range resp.Header {
		dst[name] = append([]string(nil), values...)
	}
	dst.Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// capture buffers the handler response so it can be stored before reaching the client.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header), status: http.StatusOK}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if status >= 100 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) { return c.body.Write(p) }

func (c *capture) response() StoredResponse {
	return StoredResponse{Status: c.status, Header: c.header.Clone(), Body: bytes.Clone(c.body.Bytes())}
}

func (c *capture) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range c.header {
		dst[name] = values
	}
	w.WriteHeader(c.status)
	_, _ = w.Write(c.body.Bytes())
}
