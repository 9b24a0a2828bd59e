package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound reports a kid that is not in the published key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed reports a key set that could not be fetched or decoded.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSTTL     = 15 * time.Minute
	jwksFetchTimeout   = 5 * time.Second
	maxJWKSDocumentLen = 1 << 20
)

// keySnapshot is an immutable view of one fetched key set.
type keySnapshot struct {
	keys    map[string]any
	expires time.Time
}

// JWKSCache serves signing keys from a JWKS endpoint. Keys are refetched after the
// document's max-age, or immediately when a token names a kid the cache has not seen.
// Concurrent refreshes collapse into one request.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	current atomic.Pointer[keySnapshot]
	fetches singleflight.Group
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient replaces the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock replaces time.Now.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache returns a cache for the key set published at url. Nothing is fetched until
// the first lookup.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc adapts the cache to jwt's key lookup, keyed by the token's kid header.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	snap := c.current.Load()
	if snap == nil || !c.now().Before(snap.expires) {
		var err error
		if snap, err = c.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}

	snap, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refresh(ctx context.Context) (*keySnapshot, error) {
	v, err, _ := c.fetches.Do("jwks", func() (any, error) {
		snap, err := c.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
		}
		c.current.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, c.url)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSDocumentLen)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	keys := make(map[string]any, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return nil, errors.New("key set has no usable signing keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	return &keySnapshot{keys: keys, expires: c.now().Add(ttl)}, nil
}

// maxAge returns the max-age directive of a Cache-Control header, or 0.
func maxAge(header string) time.Duration {
	for directive := range strings.SplitSeq(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
