package token

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/lumacart/identity/internal/claims"
)

// AccessClaims is the custom payload carried by access tokens.
type AccessClaims struct {
	Scope    string   `json:"scope"`
	ClientID string   `json:"client_id"`
	Roles    []string `json:"roles"`
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
}

// IdentityClaims is the custom payload carried by identity tokens.
type IdentityClaims struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	Nonce string   `json:"nonce,omitempty"`
}

// Generator signs access and identity tokens with the active key.
type Generator struct {
	keys      *KeyManager
	issuer    string
	audience  string
	accessTTL time.Duration
}

// NewGenerator constructs a Generator.
func NewGenerator(keys *KeyManager, issuer, audience string, accessTTL time.Duration) *Generator {
	return &Generator{keys: keys, issuer: issuer, audience: audience, accessTTL: accessTTL}
}

// AccessTTL exposes the configured access token lifetime.
func (g *Generator) AccessTTL() time.Duration { return g.accessTTL }

// AccessToken mints a signed access token for the subject.
func (g *Generator) AccessToken(cl claims.Claims, clientID, scope string) (string, error) {
	signer, err := g.newSigner()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	stdClaims := gojwt.Claims{
		Subject:   cl.Subject,
		Issuer:    g.issuer,
		Audience:  gojwt.Audience{g.audience},
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.accessTTL)),
	}
	custom := AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		Roles:    cl.Roles,
		Name:     cl.DisplayName,
		Email:    cl.Email,
	}
	serialized, err := gojwt.Signed(signer).Claims(stdClaims).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize access token: %w", err)
	}
	return serialized, nil
}

// IdentityToken mints the signed identity token addressed to the client.
func (g *Generator) IdentityToken(cl claims.Claims, clientID, nonce string) (string, error) {
	signer, err := g.newSigner()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	stdClaims := gojwt.Claims{
		Subject:  cl.Subject,
		Issuer:   g.issuer,
		Audience: gojwt.Audience{clientID},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(g.accessTTL)),
	}
	custom := IdentityClaims{
		Name:  cl.DisplayName,
		Roles: cl.Roles,
		Nonce: nonce,
	}
	serialized, err := gojwt.Signed(signer).Claims(stdClaims).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize identity token: %w", err)
	}
	return serialized, nil
}

// Validate checks signature, issuer, audience, and expiry of an access token
// and returns its claims.
func (g *Generator) Validate(ctx context.Context, raw string) (*gojwt.Claims, *AccessClaims, error) {
	parsed, err := gojwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}
	if len(parsed.Headers) == 0 {
		return nil, nil, fmt.Errorf("token has no header")
	}
	kid := parsed.Headers[0].KeyID

	pubs, err := g.keys.VerificationKeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	pub, ok := pubs[kid]
	if !ok {
		return nil, nil, fmt.Errorf("unknown signing key %q", kid)
	}

	var std gojwt.Claims
	var custom AccessClaims
	if err := parsed.Claims(pub, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}
	if err := std.Validate(gojwt.Expected{
		Issuer:      g.issuer,
		AnyAudience: gojwt.Audience{g.audience},
		Time:        time.Now().UTC(),
	}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}
	return &std, &custom, nil
}

func (g *Generator) newSigner() (jose.Signer, error) {
	key, priv, err := g.keys.Active()
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return signer, nil
}
