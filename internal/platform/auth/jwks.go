package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyTTL        = 5 * time.Minute
	defaultMinRefresh    = 30 * time.Second
	defaultFetchTimeout  = 10 * time.Second
	maxJWKSResponseBytes = 1 << 20
)

var ErrUnknownKey = errors.New("auth: signing key not found")

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse represents the response from a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

type KeySetOptions struct {
	// TTL is how long a fetched key set is trusted without refetching.
	TTL time.Duration
	// MinRefresh spaces refetches triggered by unknown kids.
	MinRefresh time.Duration
	Client     *http.Client
	Logger     zerolog.Logger
}

// KeySet resolves identity-provider signing keys by kid. Concurrent refreshes
// share one request. When a refresh fails the previous keys keep serving.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     zerolog.Logger
	now        func() time.Time
	flight     singleflight.Group

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
}

func NewKeySet(url string, opts KeySetOptions) *KeySet {
	if opts.TTL <= 0 {
		opts.TTL = defaultKeyTTL
	}
	if opts.MinRefresh <= 0 {
		opts.MinRefresh = defaultMinRefresh
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &KeySet{
		url:        url,
		ttl:        opts.TTL,
		minRefresh: opts.MinRefresh,
		client:     opts.Client,
		logger:     opts.Logger.With().Str("component", "jwks").Logger(),
		now:        time.Now,
		keys:       map[string]*rsa.PublicKey{},
	}
}

// Key returns the RSA public key for kid.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	now := k.now()
	fresh := now.Sub(k.fetchedAt) < k.ttl
	throttled := now.Sub(k.attemptedAt) < k.minRefresh
	k.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}
	if throttled {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}

	_, err, _ := k.flight.Do("refresh", func() (interface{}, error) {
		return nil, k.refresh(ctx)
	})
	if err != nil {
		if ok {
			k.logger.Warn().Err(err).Str("kid", kid).Msg("serving cached signing key after failed refresh")
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok = k.keys[kid]; !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

func (k *KeySet) refresh(ctx context.Context) error {
	k.mu.Lock()
	k.attemptedAt = k.now()
	k.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: endpoint returned status %d", resp.StatusCode)
	}

	var doc JWKSResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSResponseBytes)).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(jwk)
		if err != nil {
			k.logger.Warn().Err(err).Str("kid", jwk.Kid).Msg("skipping malformed signing key")
			continue
		}
		keys[jwk.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("fetch JWKS: no usable RSA signing keys")
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.now()
	k.mu.Unlock()
	k.logger.Debug().Int("keys", len(keys)).Msg("signing keys refreshed")
	return nil
}

// keyFunc adapts the set to jwt parsing for one request.
func (k *KeySet) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return k.Key(ctx, kid)
	}
}

func parseRSAPublicKey(jwk JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil || len(nBytes) == 0 {
		return nil, fmt.Errorf("invalid modulus")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid exponent")
	}
	e := new(big.Int).SetBytes(eBytes).Int64()
	if e < 3 || e%2 == 0 {
		return nil, fmt.Errorf("invalid exponent %d", e)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e)}, nil
}
