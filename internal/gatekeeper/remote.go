package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/token"
)

const defaultKeyRefresh = 5 * time.Minute

// RemoteVerifier validates access tokens against an issuer's published JWKS.
// The key set is cached and refreshed in the background of request traffic;
// a fetch failure surfaces as KindUnavailable so callers degrade to 503
// instead of mistaking an outage for a bad token.
type RemoteVerifier struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	refresh    time.Duration

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

// NewRemoteVerifier constructs a verifier for the given issuer. A nil client
// gets a bounded-timeout default.
func NewRemoteVerifier(jwksURL, issuer, audience string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteVerifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		httpClient: client,
		refresh:    defaultKeyRefresh,
	}
}

// Validate parses and verifies the raw token: signature against the JWKS,
// then issuer, audience, and expiry.
func (v *RemoteVerifier) Validate(ctx context.Context, raw string) (*gojwt.Claims, *token.AccessClaims, error) {
	parsed, err := gojwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, nil, fmt.Errorf("token missing kid header")
	}
	kid := parsed.Headers[0].KeyID

	key, err := v.keyFor(ctx, kid)
	if err != nil {
		return nil, nil, err
	}

	var std gojwt.Claims
	var custom token.AccessClaims
	if err := parsed.Claims(key.Key, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}
	if err := std.Validate(gojwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: gojwt.Audience{v.audience},
		Time:        time.Now(),
	}); err != nil {
		return nil, nil, fmt.Errorf("token claims: %w", err)
	}
	return &std, &custom, nil
}

func (v *RemoteVerifier) keyFor(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < v.refresh
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	// unknown kid also forces a refetch: rotation publishes new kids before
	// tokens signed with them arrive here
	if err := v.fetchKeys(ctx); err != nil {
		if ok {
			// serve the cached key through an issuer outage
			return key, nil
		}
		e := domain.E(domain.KindUnavailable, "signing keys are unavailable")
		e.Err = err
		return jose.JSONWebKey{}, e
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (v *RemoteVerifier) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch jwks: status=%d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID != "" {
			keys[k.KeyID] = k
		}
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}
