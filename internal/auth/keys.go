package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// SecretProvider supplies the HS256 signing secret. Implementations own
// rotation; the verifier asks on every token.
type SecretProvider interface {
	Secret(ctx context.Context) ([]byte, error)
}

// StaticSecret is a fixed secret, for tests and single-secret deployments.
type StaticSecret []byte

func (s StaticSecret) Secret(ctx context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("hmac secret is empty")
	}
	return s, nil
}

// EnvSecret re-reads an environment variable on each call so a restarted
// sidecar can rotate it without restarting the service.
type EnvSecret string

func (e EnvSecret) Secret(ctx context.Context) ([]byte, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return nil, fmt.Errorf("%s not set", string(e))
	}
	return []byte(v), nil
}

// KeyProvider resolves RS256 public keys by kid.
type KeyProvider interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKS fetches and caches a JSON Web Key Set. Keys are refetched after TTL
// or when an unknown kid shows up.
type JWKS struct {
	URL  string
	TTL  time.Duration
	HTTP *http.Client

	mu        sync.RWMutex
	keys      jwks
	lastFetch time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

func NewJWKS(url string, ttl time.Duration) *JWKS {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWKS{URL: url, TTL: ttl, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (j *JWKS) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	cached := j.keys
	stale := time.Since(j.lastFetch) > j.TTL
	j.mu.RUnlock()
	if k, ok := findKey(cached, kid); ok && !stale {
		return k, nil
	}
	if err := j.Refresh(ctx); err != nil {
		return nil, err
	}
	j.mu.RLock()
	cached = j.keys
	j.mu.RUnlock()
	if k, ok := findKey(cached, kid); ok {
		return k, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

// Refresh refetches the key set.
func (j *JWKS) Refresh(ctx context.Context) error {
	if j.URL == "" {
		return errors.New("JWKS URL not set")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return err
	}
	resp, err := j.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	j.mu.Lock()
	j.keys = set
	j.lastFetch = time.Now()
	j.mu.Unlock()
	return nil
}

func findKey(set jwks, kid string) (*rsa.PublicKey, bool) {
	for _, k := range set.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, false
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, false
		}
		// e is big-endian, typically 0x010001
		e := new(big.Int).SetBytes(eBytes)
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, true
	}
	return nil, false
}
