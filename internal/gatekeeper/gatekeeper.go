// Package gatekeeper guards resource endpoints. Authenticate answers "who is
// calling" and always fails with 401; Require answers "may they do this" and
// always fails with 403. The two are never mixed.
package gatekeeper

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/claims"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/token"
)

const principalKey = "gatekeeperPrincipal"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Subject  string
	Name     string
	Email    string
	Roles    []string
	Scope    string
	ClientID string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Gatekeeper holds the verification dependencies for the middleware chain.
type Gatekeeper struct {
	verifier verifierFunc
	liveness livenessFunc
	logger   *zap.Logger
}

type verifierFunc func(c *gin.Context, raw string) (*gojwt.Claims, *token.AccessClaims, error)

type livenessFunc func(c *gin.Context, subject string) (claims.Claims, error)

// New builds a Gatekeeper that verifies tokens locally through the issuing
// generator and checks liveness against the account store.
func New(generator *token.Generator, mapper *claims.Mapper, logger *zap.Logger) *Gatekeeper {
	return &Gatekeeper{
		verifier: func(c *gin.Context, raw string) (*gojwt.Claims, *token.AccessClaims, error) {
			return generator.Validate(c.Request.Context(), raw)
		},
		liveness: func(c *gin.Context, subject string) (claims.Claims, error) {
			return mapper.CheckLiveness(c.Request.Context(), subject)
		},
		logger: logger,
	}
}

// NewRemote builds a Gatekeeper for a resource service that verifies tokens
// against the issuer's published JWKS instead of local key material. Liveness
// is whatever the token says; the issuer bounds staleness with short access
// token lifetimes.
func NewRemote(verifier *RemoteVerifier, logger *zap.Logger) *Gatekeeper {
	return &Gatekeeper{
		verifier: func(c *gin.Context, raw string) (*gojwt.Claims, *token.AccessClaims, error) {
			return verifier.Validate(c.Request.Context(), raw)
		},
		logger: logger,
	}
}

// Authenticate rejects the request with 401 unless it carries a valid,
// unexpired bearer token for a still-active subject.
func (g *Gatekeeper) Authenticate(c *gin.Context) {
	raw, ok := bearerToken(c)
	if !ok {
		unauthorized(c, "bearer token required")
		return
	}

	std, custom, err := g.verifier(c, raw)
	if err != nil {
		if domain.KindOf(err) == domain.KindUnavailable {
			g.log().Warn("token verification unavailable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":             domain.ErrCodeUnavailable,
				"error_description": "token verification is temporarily unavailable",
			})
			return
		}
		unauthorized(c, "invalid access token")
		return
	}

	principal := Principal{
		Subject:  std.Subject,
		Name:     custom.Name,
		Email:    custom.Email,
		Roles:    custom.Roles,
		Scope:    custom.Scope,
		ClientID: custom.ClientID,
	}

	if g.liveness != nil {
		cl, err := g.liveness(c, std.Subject)
		if err != nil {
			if domain.KindOf(err) == domain.KindUnavailable {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":             domain.ErrCodeUnavailable,
					"error_description": "account state is temporarily unavailable",
				})
				return
			}
			// deactivated since issuance; the token no longer identifies anyone
			unauthorized(c, "invalid access token")
			return
		}
		// roles reflect current account state, not issuance-time state
		principal.Roles = cl.Roles
		principal.Name = cl.DisplayName
		principal.Email = cl.Email
	}

	c.Set(principalKey, principal)
	c.Next()
}

// Require aborts with 403 unless the authenticated principal holds at least
// one of the given roles. It must run after Authenticate; a request that
// reaches it unauthenticated is a routing bug and gets 401, never 403.
func (g *Gatekeeper) Require(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			unauthorized(c, "bearer token required")
			return
		}
		for _, role := range roles {
			if principal.HasRole(role) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":             "insufficient_permissions",
			"error_description": "the authenticated subject may not perform this action",
		})
	}
}

// RequireSelfOr passes when the path parameter names the principal's own
// subject, or when the principal holds one of the given roles. Account owners
// manage themselves; everyone else needs the role.
func (g *Gatekeeper) RequireSelfOr(param string, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			unauthorized(c, "bearer token required")
			return
		}
		if c.Param(param) == principal.Subject {
			c.Next()
			return
		}
		for _, role := range roles {
			if principal.HasRole(role) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":             "insufficient_permissions",
			"error_description": "the authenticated subject may not perform this action",
		})
	}
}

// PrincipalFrom returns the authenticated principal set by Authenticate.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(c *gin.Context, description string) {
	c.Header("WWW-Authenticate", `Bearer realm="lumacart"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             "invalid_token",
		"error_description": description,
	})
}

func (g *Gatekeeper) log() *zap.Logger {
	if g != nil && g.logger != nil {
		return g.logger
	}
	return zap.L()
}
