package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
	jwt "github.com/golang-jwt/jwt/v4"
)

// JWTVerifier validates self-issued bearer tokens, either HS256 with a shared secret or
// RS256 against a JWKS endpoint, and presents them in the same shape Firebase returns.
type JWTVerifier struct {
	parser   *jwt.Parser
	keyfunc  func(ctx context.Context) jwt.Keyfunc
	issuer   string
	audience string
}

// JWTOption customises JWTVerifier instances.
type JWTOption func(*JWTVerifier)

// WithJWTIssuer requires the iss claim to equal issuer.
func WithJWTIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithJWTAudience requires the aud claim to contain audience.
func WithJWTAudience(audience string) JWTOption {
	return func(v *JWTVerifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

// NewHS256Verifier constructs a verifier for tokens signed with a shared secret.
func NewHS256Verifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	key := append([]byte(nil), secret...)
	v := &JWTVerifier{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		keyfunc: func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (any, error) { return key, nil }
		},
	}
	return v.apply(opts), nil
}

// NewJWKSVerifier constructs a verifier for RS256 tokens whose keys are published as a JWKS.
func NewJWKSVerifier(cache *JWKSCache, opts ...JWTOption) (*JWTVerifier, error) {
	if cache == nil {
		return nil, errors.New("auth: jwks cache is required")
	}
	v := &JWTVerifier{
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
		keyfunc: cache.Keyfunc,
	}
	return v.apply(opts), nil
}

func (v *JWTVerifier) apply(opts []JWTOption) *JWTVerifier {
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken parses and validates the token, mapping failures onto ErrTokenExpired and ErrTokenInvalid.
func (v *JWTVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.parser == nil {
		return nil, errors.New("auth: jwt verifier not initialised")
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(idToken, claims, v.keyfunc(ctx)); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	issuer, _ := claims["iss"].(string)
	audience, _ := claims["aud"].(string)
	return &firebaseauth.Token{
		Issuer:   issuer,
		Audience: audience,
		Expires:  numericClaim(claims, "exp"),
		IssuedAt: numericClaim(claims, "iat"),
		Subject:  subject,
		UID:      subject,
		Claims:   map[string]interface{}(claims),
	}, nil
}

func numericClaim(claims jwt.MapClaims, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
