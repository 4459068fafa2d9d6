// Package auth validates bearer tokens issued by Supabase Auth.
package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for tokens that fail validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims issued by Supabase Auth.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

type keyProvider interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// VerifierConfig configures a Verifier. At least one of Keys or Secret must be set.
type VerifierConfig struct {
	// Keys resolves asymmetric signing keys by kid.
	Keys keyProvider
	// Secret is the shared HS256 secret of projects using legacy JWT signing.
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates bearer tokens.
type Verifier struct {
	keys    keyProvider
	secret  []byte
	options []jwt.ParserOption
}

// NewVerifier creates a Verifier from the configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if cfg.Keys == nil && secret == "" {
		return nil, errors.New("either signing keys or a jwt secret is required")
	}

	var methods []string
	if cfg.Keys != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg())
	}
	if secret != "" {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}

	v := &Verifier{
		keys:    cfg.Keys,
		options: options,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v, nil
}

// Verify parses and validates the token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	}, v.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

func (v *Verifier) key(ctx context.Context, t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("hmac tokens are not accepted")
		}
		return v.secret, nil
	default:
		if v.keys == nil {
			return nil, errors.New("asymmetric tokens are not accepted")
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
