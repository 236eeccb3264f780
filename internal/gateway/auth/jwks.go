package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
)

// Well-known JWKS endpoints for the JWT modes §4.7 names as shortcuts over a
// bare jwks_endpoint/oidc_discovery configuration.
const (
	microsoftJWKSEndpoint = "https://login.microsoftonline.com/common/discovery/v2.0/keys"
	googleJWKSEndpoint    = "https://www.googleapis.com/oauth2/v3/certs"
	githubJWKSEndpoint    = "https://token.actions.githubusercontent.com/.well-known/jwks"
)

const (
	jwksFetchTimeout = 5 * time.Second
	jwksCacheTTL     = 10 * time.Minute
	jwksNegativeTTL  = 30 * time.Second
)

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type oidcDiscoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
}

type cacheEntry struct {
	keys      map[string]interface{}
	fetchedAt time.Time
	err       error
}

// jwksCache fetches and caches verification keys by endpoint URL, indexed by
// key id, with a bounded TTL and single-writer-per-endpoint coalescing so N
// concurrent cache misses for the same endpoint produce exactly one fetch —
// grounded on the JWKS-cache requirement of §5, implemented directly atop a
// mutex and an in-flight-request map rather than importing
// golang.org/x/sync/singleflight, since that import isn't part of this
// corpus's dependency surface and the coalescing logic is a dozen lines.
type jwksCache struct {
	net *sandbox.Net

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	inFlight map[string]chan struct{}
}

func newJWKSCache(net *sandbox.Net) *jwksCache {
	return &jwksCache{
		net:      net,
		entries:  make(map[string]*cacheEntry),
		inFlight: make(map[string]chan struct{}),
	}
}

// Key returns the verification key for kid at endpoint, fetching (or waiting
// on a concurrent fetch for) the document when the cache is cold, expired,
// or missing that kid.
func (c *jwksCache) Key(ctx context.Context, endpoint, kid string) (interface{}, error) {
	for {
		c.mu.Lock()
		entry, ok := c.entries[endpoint]
		fresh := ok && time.Since(entry.fetchedAt) < ttlFor(entry)
		if fresh {
			c.mu.Unlock()
			if entry.err != nil {
				return nil, entry.err
			}
			if key, ok := entry.keys[kid]; ok {
				return key, nil
			}
			return nil, fmt.Errorf("auth: no jwks key with kid %q at %s", kid, endpoint)
		}

		if wait, ok := c.inFlight[endpoint]; ok {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		c.inFlight[endpoint] = done
		c.mu.Unlock()

		keys, err := c.fetch(ctx, endpoint)

		c.mu.Lock()
		c.entries[endpoint] = &cacheEntry{keys: keys, fetchedAt: time.Now(), err: err}
		delete(c.inFlight, endpoint)
		c.mu.Unlock()
		close(done)

		if err != nil {
			return nil, err
		}
		if key, ok := keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("auth: no jwks key with kid %q at %s", kid, endpoint)
	}
}

func ttlFor(entry *cacheEntry) time.Duration {
	if entry.err != nil {
		return jwksNegativeTTL
	}
	return jwksCacheTTL
}

func (c *jwksCache) fetch(ctx context.Context, endpoint string) (map[string]interface{}, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	body, err := c.get(fetchCtx, endpoint)
	if err != nil {
		return nil, err
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: decode jwks document from %s: %w", endpoint, err)
	}

	keys := make(map[string]interface{}, len(doc.Keys))
	for _, k := range doc.Keys {
		key, err := decodeJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = key
	}
	return keys, nil
}

// resolveJWKSEndpoint follows an OIDC discovery document to its jwks_uri
// when mode requires it; it is a thin GET alongside the JWKS fetch itself,
// sharing the same policy-enforced network path.
func (c *jwksCache) resolveJWKSEndpoint(ctx context.Context, discoveryURL string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	body, err := c.get(fetchCtx, discoveryURL)
	if err != nil {
		return "", err
	}
	var doc oidcDiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("auth: decode oidc discovery document from %s: %w", discoveryURL, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("auth: oidc discovery document at %s has no jwks_uri", discoveryURL)
	}
	return doc.JWKSURI, nil
}

// get performs the fetch through the same sandbox.Net path a function's
// outbound sandbox.fetch() uses, with a permissive global policy rule: JWKS
// endpoints are operator-configured infrastructure, not tenant-controlled
// egress, so they aren't subject to a project's NetworkPolicy.
func (c *jwksCache) get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.net.Fetch(ctx, sandbox.FetchRequest{Method: "GET", URL: url}, jwksInfrastructureAllowRule, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("auth: jwks fetch %s returned status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

var jwksInfrastructureAllowRule = []model.PolicyRule{
	{Action: model.PolicyAllow, TargetType: model.PolicyTargetDomain, Value: "*", Priority: 0},
}

func decodeJWK(k jwksKey) (interface{}, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64URLBigInt(k.N)
		if err != nil {
			return nil, err
		}
		e, err := base64URLBigInt(k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		x, err := base64URLBigInt(k.X)
		if err != nil {
			return nil, err
		}
		y, err := base64URLBigInt(k.Y)
		if err != nil {
			return nil, err
		}
		curve, err := curveFor(k.Crv)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported jwk kty %q", k.Kty)
	}
}

func base64URLBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("auth: decode jwk field: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

func curveFor(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("auth: unsupported jwk curve %q", name)
	}
}

// endpointFor resolves the JWKS endpoint a JWKS-backed JWTConfig names,
// fetching an OIDC discovery document first when needed. Any other mode,
// fixed_secret included, gets an error.
func (c *jwksCache) endpointFor(ctx context.Context, cfg *model.JWTConfig) (string, error) {
	switch cfg.Mode {
	case model.JWTModeMicrosoft:
		return microsoftJWKSEndpoint, nil
	case model.JWTModeGoogle:
		return googleJWKSEndpoint, nil
	case model.JWTModeGitHub:
		return githubJWKSEndpoint, nil
	case model.JWTModeJWKSEndpoint:
		return cfg.JWKSEndpoint, nil
	case model.JWTModeOIDCDiscovery:
		return c.resolveJWKSEndpoint(ctx, cfg.OIDCDiscoveryURL)
	default:
		return "", fmt.Errorf("auth: mode %q has no jwks endpoint", cfg.Mode)
	}
}
