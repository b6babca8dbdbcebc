// Package handler exposes the protocol and account services over HTTP.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumacart/identity/internal/config"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/gatekeeper"
	"github.com/lumacart/identity/internal/issuer"
	"github.com/lumacart/identity/internal/token"
)

// AuthHandler serves the OAuth endpoints.
type AuthHandler struct {
	Issuer *issuer.Service
	Keys   *token.KeyManager
	Cfg    config.Config
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(svc *issuer.Service, keys *token.KeyManager, cfg config.Config) *AuthHandler {
	return &AuthHandler{Issuer: svc, Keys: keys, Cfg: cfg}
}

// Authorize opens a sign-in session for the authorization code flow. Request
// errors are answered here, never bounced to an unvalidated redirect target.
func (h *AuthHandler) Authorize(c *gin.Context) {
	req := issuer.AuthorizeRequest{
		ClientID:        c.Query("client_id"),
		RedirectURI:     c.Query("redirect_uri"),
		ResponseType:    c.Query("response_type"),
		Scope:           c.Query("scope"),
		State:           c.Query("state"),
		Nonce:           c.Query("nonce"),
		CodeChallenge:   c.Query("code_challenge"),
		ChallengeMethod: c.Query("code_challenge_method"),
	}

	session, err := h.Issuer.BeginAuthorize(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"login_session": session.ID,
		"client_id":     session.ClientID,
		"scope":         session.Scope,
	})
}

// AuthorizeLogin authenticates the resource owner and redirects back to the
// client with the authorization code.
func (h *AuthHandler) AuthorizeLogin(c *gin.Context) {
	var req struct {
		LoginSession string `form:"login_session" binding:"required"`
		Identifier   string `form:"identifier" binding:"required"`
		Password     string `form:"password" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "login_session, identifier and password are required",
		})
		return
	}

	redirect, err := h.Issuer.CompleteAuthorize(c.Request.Context(), req.LoginSession, req.Identifier, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, redirect)
}

// Token handles the grant exchanges.
func (h *AuthHandler) Token(c *gin.Context) {
	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		Code         string `form:"code"`
		CodeVerifier string `form:"code_verifier"`
		RedirectURI  string `form:"redirect_uri"`
		ClientID     string `form:"client_id"`
		ClientSecret string `form:"client_secret"`
		RefreshToken string `form:"refresh_token"`
		Username     string `form:"username"`
		Password     string `form:"password"`
		Scope        string `form:"scope"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "malformed token request",
		})
		return
	}

	// confidential clients may send credentials as HTTP basic auth instead
	// of form fields
	if id, secret, ok := c.Request.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	resp, err := h.Issuer.Exchange(c.Request.Context(), issuer.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RefreshToken: req.RefreshToken,
		Username:     req.Username,
		Password:     req.Password,
		Scope:        req.Scope,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the refresh token and optionally redirects the browser to a
// registered post-logout location.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		ClientID              string `form:"client_id"`
		RefreshToken          string `form:"refresh_token"`
		PostLogoutRedirectURI string `form:"post_logout_redirect_uri"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             domain.ErrCodeInvalidRequest,
			"error_description": "malformed logout request",
		})
		return
	}

	target, err := h.Issuer.Logout(c.Request.Context(), issuer.LogoutRequest{
		ClientID:              req.ClientID,
		RefreshToken:          req.RefreshToken,
		PostLogoutRedirectURI: req.PostLogoutRedirectURI,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if target != "" {
		c.Redirect(http.StatusFound, target)
		return
	}
	c.Status(http.StatusNoContent)
}

// UserInfo returns the live claim set for the authenticated principal. The
// gatekeeper has already re-read account state, so a deactivated subject
// never reaches this handler.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	principal, ok := gatekeeper.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "bearer token required",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sub":   principal.Subject,
		"name":  principal.Name,
		"email": principal.Email,
		"roles": principal.Roles,
	})
}

// JWKS publishes the verification keys.
func (h *AuthHandler) JWKS(c *gin.Context) {
	set, err := h.Keys.JWKS(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             domain.ErrCodeServerError,
			"error_description": "signing keys unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, set)
}

// OpenIDConfig returns the discovery document.
func (h *AuthHandler) OpenIDConfig(c *gin.Context) {
	base := h.Cfg.Issuer
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"userinfo_endpoint":                     base + "/oauth/userinfo",
		"end_session_endpoint":                  base + "/oauth/logout",
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "password"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}
