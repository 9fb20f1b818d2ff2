package identity

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// KeyTTL is how long a fetched key set is trusted before refetching.
const KeyTTL = time.Hour

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSVerifier checks RS256 tokens against the issuer's published keys.
// The key set URL comes from the issuer's OpenID discovery document.
type JWKSVerifier struct {
	issuer     string
	audience   string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.RWMutex
	cache   map[string]*rsa.PublicKey
	fetched time.Time
}

func NewJWKSVerifier(issuer, audience string, client *http.Client) *JWKSVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSVerifier{
		issuer:     strings.TrimRight(issuer, "/"),
		audience:   audience,
		httpClient: client,
		now:        time.Now,
		cache:      make(map[string]*rsa.PublicKey),
	}
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	p, err := parseToken(token)
	if err != nil {
		return Identity{}, err
	}
	if p.header.Alg != "RS256" {
		return Identity{}, ErrInvalidToken
	}
	if err := v.ensureKeys(ctx); err != nil {
		return Identity{}, err
	}
	key, ok := v.keyFor(p.header.Kid)
	if !ok {
		// Unknown kid usually means the provider rotated keys.
		if err := v.refresh(ctx); err != nil {
			return Identity{}, err
		}
		if key, ok = v.keyFor(p.header.Kid); !ok {
			return Identity{}, fmt.Errorf("%w: unknown kid", ErrInvalidToken)
		}
	}
	hashed := sha256.Sum256([]byte(p.signingInput))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], p.signature); err != nil {
		return Identity{}, ErrInvalidToken
	}
	return p.claims.check(v.issuer, v.audience, v.now())
}

func (v *JWKSVerifier) ensureKeys(ctx context.Context) error {
	v.mu.RLock()
	fresh := v.now().Sub(v.fetched) < KeyTTL && len(v.cache) > 0
	v.mu.RUnlock()
	if fresh {
		return nil
	}
	return v.refresh(ctx)
}

func (v *JWKSVerifier) refresh(ctx context.Context) error {
	var discovery struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := v.getJSON(ctx, v.issuer+"/.well-known/openid-configuration", &discovery); err != nil {
		return fmt.Errorf("fetch discovery: %w", err)
	}
	if discovery.JWKSURI == "" {
		return errors.New("discovery document has no jwks_uri")
	}
	var set jwks
	if err := v.getJSON(ctx, discovery.JWKSURI, &set); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey)
	for _, key := range set.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no keys fetched")
	}
	v.mu.Lock()
	v.cache = keys
	v.fetched = v.now()
	v.mu.Unlock()
	return nil
}

func (v *JWKSVerifier) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (v *JWKSVerifier) keyFor(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pk, ok := v.cache[kid]
	return pk, ok
}

func rsaKeyFromJWK(j jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

var _ Verifier = (*JWKSVerifier)(nil)
