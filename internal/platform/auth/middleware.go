package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: id token expired")
	// ErrTokenInvalid signals any other verification failure.
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// TokenVerifier verifies bearer ID tokens. The Firebase, HS256 and JWKS verifiers satisfy it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into identities for the HTTP layer.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim that carries roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds each verification call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, roleClaim: defaultRoleClaim, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token with 401. When roles are given
// the identity must hold one of them, otherwise the request is rejected with 403.
func (a *Authenticator) RequireAuth(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, failure := a.authenticate(ctx, r.Header.Get("Authorization"))
			if failure != nil {
				httpx.WriteError(ctx, w, *failure)
				return
			}
			if len(allowed) > 0 && !slices.ContainsFunc(allowed, identity.HasRole) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "identity does not have required role", http.StatusForbidden))
				return
			}
			requestctx.AnnotationsFrom(ctx).SetActor(identity.UID, strings.ToLower(string(identity.Actor().Role)))
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, header string) (*Identity, *httpx.Error) {
	raw, ok := bearerToken(header)
	if !ok {
		return nil, unauthorized("unauthenticated", "authorization header missing or invalid")
	}
	if a == nil || a.verifier == nil {
		return nil, unauthorized("unauthenticated", "authorization service unavailable")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return nil, unauthorized("token_expired", "id token expired")
	default:
		requestctx.Logger(ctx).Debug("token verification failed")
		return nil, unauthorized("invalid_token", "id token invalid")
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, unauthorized("invalid_token", "token subject missing")
	}

	return &Identity{
		UID:    strings.TrimSpace(token.UID),
		Email:  stringClaim(token.Claims, "email"),
		Roles:  rolesFromClaims(token.Claims, a.roleClaim),
		Claims: token.Claims,
	}, nil
}

func unauthorized(code, message string) *httpx.Error {
	e := httpx.NewError(code, message, http.StatusUnauthorized)
	return &e
}

// rolesFromClaims accepts a single role string, a list of roles, or a map of role to bool.
func rolesFromClaims(claims map[string]any, key string) []string {
	var candidates []string
	switch v := claims[key].(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, _ := enabled.(bool); on {
				candidates = append(candidates, role)
			}
		}
	}

	var roles []string
	for _, candidate := range candidates {
		if role := normaliseRole(candidate); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
