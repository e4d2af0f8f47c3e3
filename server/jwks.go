package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrIDTokenExpired marks an id token whose signature and claims check out
// except for its expiry. CheckAuth deliberately tolerates this case: the
// access token's introspection result is what keeps the session alive.
var ErrIDTokenExpired = errors.New("id token expired")

// KeySetConfig makes the cache freshness policy explicit instead of hiding
// it in a library default.
type KeySetConfig struct {
	URL      string
	Issuer   string
	Audience string
	CacheTTL time.Duration
	Client   *http.Client
}

// KeySet fetches and caches the IDP's published signing keys and validates
// id tokens against them.
type KeySet struct {
	cfg    KeySetConfig
	client *http.Client

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// NewKeySet creates a key set cache with sane defaults.
func NewKeySet(cfg KeySetConfig) *KeySet {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &KeySet{cfg: cfg, client: client}
}

// ValidateIDToken checks the token's RS256 signature, issuer and audience
// against the cached key set, refetching on an unknown kid. It returns
// ErrIDTokenExpired when expiry is the only failure.
func (k *KeySet) ValidateIDToken(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return errors.New("id token missing")
	}

	set, err := k.ensure(ctx, "")
	if err != nil {
		return err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(k.cfg.Audience),
	}
	if k.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(k.cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	tok, err := parser.Parse(rawToken, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Unknown kid forces a refetch: the IDP may have rotated keys.
			if _, ferr := k.ensure(ctx, kid); ferr == nil {
				key = findKey(k.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found for kid %q", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		if expiredOnly(err) {
			return fmt.Errorf("%w: %w", ErrIDTokenExpired, err)
		}
		return err
	}
	if !tok.Valid {
		return errors.New("id token invalid")
	}
	return nil
}

// expiredOnly reports whether the token's signature verified and expiry was
// the sole claim failure. Claim errors are only produced after a successful
// signature check, so it suffices to rule out the other claim checks.
func expiredOnly(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired) &&
		!errors.Is(err, jwt.ErrTokenInvalidIssuer) &&
		!errors.Is(err, jwt.ErrTokenInvalidAudience)
}

func (k *KeySet) ensure(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	k.mu.RLock()
	cache := k.cache
	k.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.cfg.URL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(k.cfg.CacheTTL)
		k.mu.Lock()
		k.cache = cache
		k.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(k.cfg.CacheTTL)

	k.mu.Lock()
	k.cache = cache
	k.mu.Unlock()

	return set, nil
}

func (k *KeySet) currentSet() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, key := range set.Keys {
		if kid == "" || key.KeyID == kid {
			match := key
			return &match
		}
	}
	return nil
}
