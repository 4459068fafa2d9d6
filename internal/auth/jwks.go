package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultKeysTTL     = time.Hour
	minRefreshInterval = 30 * time.Second
	fetchTimeout       = 10 * time.Second
)

// ErrKeyNotFound is returned when no signing key matches the token's kid.
var ErrKeyNotFound = errors.New("signing key not found")

// SupabaseKeysURL returns the JWKS endpoint of a Supabase project.
func SupabaseKeysURL(projectID string) string {
	return fmt.Sprintf("https://%s.supabase.co/auth/v1/keys", strings.TrimSpace(projectID))
}

// KeySetConfig configures a KeySet.
type KeySetConfig struct {
	URL string
	// TTL is the background refresh interval. Defaults to one hour.
	TTL time.Duration
	// MinRefreshInterval limits refreshes triggered by unknown kids. Defaults to 30s.
	MinRefreshInterval time.Duration
	Client             *http.Client
	Logger             *zap.Logger
}

// KeySet serves the public signing keys of a JWKS endpoint. Keys are
// refreshed in the background every TTL and on demand for unknown kids.
type KeySet struct {
	storage jwkset.Storage
	logger  *zap.Logger
}

// NewKeySet fetches the key set once and starts the background refresh,
// which stops when ctx is done. An unreachable endpoint is logged, not fatal.
func NewKeySet(ctx context.Context, cfg KeySetConfig) (*KeySet, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultKeysTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = minRefreshInterval
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: fetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	remote, err := jwkset.NewStorageFromHTTP(cfg.URL, jwkset.HTTPClientStorageOptions{
		Client:                    cfg.Client,
		Ctx:                       ctx,
		HTTPTimeout:               fetchTimeout,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.TTL,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("refreshing signing keys failed, keeping cached keys", zap.String("url", cfg.URL), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks storage: %w", err)
	}

	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{cfg.URL: remote},
		PrioritizeHTTP:    true,
		RateLimitWaitMax:  fetchTimeout,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks client: %w", err)
	}

	logger.Debug("signing keys loaded", zap.String("url", cfg.URL), zap.Duration("ttl", cfg.TTL))
	return &KeySet{storage: storage, logger: logger}, nil
}

// Key returns the RSA or EC public key for kid. Keys published for
// encryption are never returned.
func (s *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	jwk, err := s.storage.KeyRead(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %w", ErrKeyNotFound, kid, err)
	}

	if use := jwk.Marshal().USE; use != "" && use != jwkset.UseSig {
		return nil, fmt.Errorf("%w: kid %q has use %q", ErrKeyNotFound, kid, use)
	}

	switch key := jwk.Key().(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return key, nil
	default:
		s.logger.Debug("skipping signing key", zap.String("kid", kid), zap.String("type", fmt.Sprintf("%T", key)))
		return nil, fmt.Errorf("%w: kid %q has unsupported key type %T", ErrKeyNotFound, kid, key)
	}
}
