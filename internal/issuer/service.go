// Package issuer runs the authorization-code-with-PKCE protocol: it
// authenticates resource owners, mints single-use codes, and exchanges them
// for signed tokens.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/account"
	"github.com/lumacart/identity/internal/claims"
	"github.com/lumacart/identity/internal/clients"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/pkce"
	"github.com/lumacart/identity/internal/repository"
	"github.com/lumacart/identity/internal/token"
)

const defaultScope = "openid profile"

// AuthorizeRequest carries the parsed /authorize query.
type AuthorizeRequest struct {
	ClientID        string
	RedirectURI     string
	ResponseType    string
	Scope           string
	State           string
	Nonce           string
	CodeChallenge   string
	ChallengeMethod string
}

// TokenRequest carries the parsed /token form.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Username     string
	Password     string
	Scope        string
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// LogoutRequest carries the /logout form.
type LogoutRequest struct {
	ClientID              string
	RefreshToken          string
	PostLogoutRedirectURI string
}

// Options carries issuer tunables from config.
type Options struct {
	AuthCodeTTL     time.Duration
	SessionTTL      time.Duration
	RefreshTokenTTL time.Duration
	RefreshBytes    int
	StoreTimeout    time.Duration
	// PasswordGrantClients is the explicit allow-list for the password
	// grant. A client absent from this list never gets the grant, even if
	// its own record lists it.
	PasswordGrantClients []string
}

// Service implements the token issuer state machine.
type Service struct {
	registry        *clients.Registry
	accounts        *account.Service
	claims          *claims.Mapper
	codes           repository.CodeRepository
	tokens          repository.TokenRepository
	sessions        repository.SessionStore
	generator       *token.Generator
	node            *snowflake.Node
	opts            Options
	passwordClients map[string]struct{}
	logger          *zap.Logger
	tracer          trace.Tracer
}

// NewService wires dependencies.
func NewService(
	registry *clients.Registry,
	accounts *account.Service,
	mapper *claims.Mapper,
	codes repository.CodeRepository,
	tokens repository.TokenRepository,
	sessions repository.SessionStore,
	generator *token.Generator,
	node *snowflake.Node,
	opts Options,
	logger *zap.Logger,
) *Service {
	allowed := make(map[string]struct{}, len(opts.PasswordGrantClients))
	for _, id := range opts.PasswordGrantClients {
		allowed[id] = struct{}{}
	}
	if opts.RefreshBytes < 32 {
		opts.RefreshBytes = 32
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Service{
		registry:        registry,
		accounts:        accounts,
		claims:          mapper,
		codes:           codes,
		tokens:          tokens,
		sessions:        sessions,
		generator:       generator,
		node:            node,
		opts:            opts,
		passwordClients: allowed,
		logger:          logger,
		tracer:          otel.Tracer("github.com/lumacart/identity/internal/issuer"),
	}
}

// BeginAuthorize validates the authorize request and opens an ephemeral
// sign-in session. No code exists until the resource owner authenticates.
func (s *Service) BeginAuthorize(ctx context.Context, req AuthorizeRequest) (*domain.LoginSession, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.BeginAuthorize")
	defer span.End()

	client, err := s.registry.Lookup(req.ClientID)
	if err != nil {
		return nil, err
	}
	if req.ResponseType != "code" {
		return nil, domain.Protocol(domain.ErrCodeUnsupportedResponse, "only response_type=code is supported")
	}
	if !client.AllowsGrant("authorization_code") {
		return nil, domain.Protocol(domain.ErrCodeUnauthorizedClient, "client may not use the authorization code flow")
	}

	// redirect target is checked before anything is minted or stored
	if err := s.registry.ValidateRedirect(req.ClientID, req.RedirectURI, clients.PurposeLogin); err != nil {
		return nil, err
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = defaultScope
	}
	if !client.AllowsScope(strings.Fields(scope)) {
		return nil, domain.Protocol(domain.ErrCodeInvalidScope, "requested scope exceeds client registration")
	}

	if client.RequirePKCE || client.Public {
		if req.CodeChallenge == "" {
			return nil, domain.Protocol(domain.ErrCodeInvalidRequest, "code_challenge is required for this client")
		}
	}
	if req.CodeChallenge != "" && req.ChallengeMethod != pkce.MethodS256 {
		return nil, domain.Protocol(domain.ErrCodeInvalidRequest, "only code_challenge_method=S256 is supported")
	}

	session := domain.LoginSession{
		ID:              uuid.NewString(),
		ClientID:        req.ClientID,
		RedirectURI:     req.RedirectURI,
		Scope:           scope,
		State:           req.State,
		Nonce:           req.Nonce,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		CreatedAt:       time.Now().UTC(),
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.sessions.Save(sctx, session, s.opts.SessionTTL); err != nil {
		span.RecordError(err)
		return nil, s.storeErr(err)
	}
	return &session, nil
}

// CompleteAuthorize authenticates the resource owner against the session and
// mints the single-use authorization code. It returns the redirect target
// carrying code and state.
func (s *Service) CompleteAuthorize(ctx context.Context, sessionID, identifier, plaintext string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.CompleteAuthorize")
	defer span.End()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	session, err := s.sessions.Get(sctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return "", s.storeErr(err)
	}
	if session == nil {
		return "", domain.Protocol(domain.ErrCodeInvalidRequest, "unknown or expired sign-in session")
	}

	acct, err := s.accounts.ValidateCredentials(ctx, identifier, plaintext)
	if err != nil {
		// authentication failed: the flow terminates with no code minted
		return "", err
	}

	code := domain.AuthorizationCode{
		ID:              s.node.Generate().Int64(),
		Code:            randomToken(32),
		ClientID:        session.ClientID,
		AccountID:       acct.ID,
		CodeChallenge:   session.CodeChallenge,
		ChallengeMethod: session.ChallengeMethod,
		RedirectURI:     session.RedirectURI,
		Scope:           session.Scope,
		Nonce:           session.Nonce,
		ExpiresAt:       time.Now().Add(s.opts.AuthCodeTTL),
	}
	if err := s.codes.Create(sctx, code); err != nil {
		span.RecordError(err)
		return "", s.storeErr(err)
	}
	if err := s.sessions.Delete(sctx, sessionID); err != nil {
		s.log().Warn("drop sign-in session", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.audit("code.issued", zap.String("client_id", session.ClientID), zap.Int64("account_id", acct.ID))
	return appendQuery(session.RedirectURI, url.Values{"code": {code.Code}, "state": {session.State}}), nil
}

// Exchange dispatches the token endpoint grants.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.Exchange")
	defer span.End()

	client, err := s.registry.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(req.GrantType) {
	case "authorization_code":
		return s.exchangeCode(ctx, client, req)
	case "password":
		return s.passwordGrant(ctx, client, req)
	case "refresh_token":
		return s.refreshGrant(ctx, client, req)
	default:
		return nil, domain.Protocol(domain.ErrCodeUnsupportedGrant, "unsupported grant type")
	}
}

func (s *Service) exchangeCode(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "authorization code is missing")
	}

	getCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	stored, err := s.codes.Get(getCtx, req.Code)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "authorization code is invalid")
		}
		// transient store failure: the client may retry the same exchange
		return nil, s.storeErr(err)
	}
	now := time.Now()
	if stored.Consumed || stored.Expired(now) ||
		stored.ClientID != client.ClientID ||
		stored.RedirectURI != req.RedirectURI {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "authorization code is invalid")
	}

	if stored.CodeChallenge != "" || client.RequirePKCE || client.Public {
		if !pkce.VerifyS256(req.CodeVerifier, stored.CodeChallenge) {
			return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "code verifier does not match")
		}
	}

	// claims come from current account state, not from anything captured at
	// authorize time
	cl, err := s.claims.Map(ctx, stored.AccountID)
	if err != nil {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "subject is no longer eligible")
	}

	resp, refresh, err := s.mint(cl, client.ClientID, stored.Scope, stored.Nonce)
	if err != nil {
		return nil, err
	}

	// Consumption and refresh-token persistence commit together, detached
	// from caller cancellation: either the code stays unconsumed or the
	// exchange fully completed. Exactly one concurrent exchange wins the CAS.
	consumeCtx, consumeCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer consumeCancel()
	won, err := s.codes.Consume(consumeCtx, stored.Code, refresh)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !won {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "authorization code is invalid")
	}

	s.audit("token.issued", zap.String("grant", "authorization_code"), zap.String("client_id", client.ClientID), zap.Int64("account_id", stored.AccountID))
	return resp, nil
}

func (s *Service) passwordGrant(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	// the password grant is never available by default: only clients on the
	// explicit allow-list may use it
	if _, trusted := s.passwordClients[client.ClientID]; !trusted || !client.AllowsGrant("password") {
		return nil, domain.Protocol(domain.ErrCodeUnauthorizedClient, "client may not use the password grant")
	}

	acct, err := s.accounts.ValidateCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, domain.AuthFailureMessage)
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = defaultScope
	}
	if !client.AllowsScope(strings.Fields(scope)) {
		return nil, domain.Protocol(domain.ErrCodeInvalidScope, "requested scope exceeds client registration")
	}

	cl, err := s.claims.Map(ctx, acct.ID)
	if err != nil {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, domain.AuthFailureMessage)
	}

	resp, refresh, err := s.mint(cl, client.ClientID, scope, "")
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.tokens.Create(sctx, refresh); err != nil {
		return nil, s.storeErr(err)
	}

	s.audit("token.issued", zap.String("grant", "password"), zap.String("client_id", client.ClientID), zap.Int64("account_id", acct.ID))
	return resp, nil
}

func (s *Service) refreshGrant(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "refresh token is missing")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	stored, err := s.tokens.GetByToken(sctx, req.RefreshToken)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "refresh token is invalid")
		}
		return nil, s.storeErr(err)
	}
	if stored.Revoked || time.Now().After(stored.ExpiresAt) || stored.ClientID != client.ClientID {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "refresh token is invalid")
	}

	// deactivation is observed here: an inactive subject cannot refresh
	cl, err := s.claims.Map(ctx, stored.AccountID)
	if err != nil {
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "subject is no longer eligible")
	}

	next := randomToken(s.opts.RefreshBytes)
	rotated, err := s.tokens.Rotate(sctx, stored.Token, next, time.Now().Add(s.opts.RefreshTokenTTL))
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !rotated {
		// predecessor already rotated or revoked by a concurrent call
		return nil, domain.Protocol(domain.ErrCodeInvalidGrant, "refresh token is invalid")
	}

	access, err := s.generator.AccessToken(cl, client.ClientID, stored.Scope)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	resp := &TokenResponse{
		AccessToken:  access,
		RefreshToken: next,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.generator.AccessTTL().Seconds()),
	}
	if hasScope(stored.Scope, "openid") {
		idToken, err := s.generator.IdentityToken(cl, client.ClientID, "")
		if err != nil {
			return nil, fmt.Errorf("mint identity token: %w", err)
		}
		resp.IDToken = idToken
	}

	s.audit("token.refreshed", zap.String("client_id", client.ClientID), zap.Int64("account_id", stored.AccountID))
	return resp, nil
}

// Logout revokes the presented refresh token and validates the optional
// post-logout redirect target.
func (s *Service) Logout(ctx context.Context, req LogoutRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.Logout")
	defer span.End()

	if req.RefreshToken != "" {
		sctx, cancel := s.storeCtx(ctx)
		defer cancel()
		if err := s.tokens.Revoke(sctx, req.RefreshToken); err != nil {
			s.log().Warn("revoke refresh token on logout", zap.Error(err))
		}
	}

	if req.PostLogoutRedirectURI == "" {
		return "", nil
	}
	if err := s.registry.ValidateRedirect(req.ClientID, req.PostLogoutRedirectURI, clients.PurposePostLogout); err != nil {
		return "", err
	}
	return req.PostLogoutRedirectURI, nil
}

func (s *Service) mint(cl claims.Claims, clientID, scope, nonce string) (*TokenResponse, domain.RefreshToken, error) {
	access, err := s.generator.AccessToken(cl, clientID, scope)
	if err != nil {
		return nil, domain.RefreshToken{}, fmt.Errorf("mint access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.generator.AccessTTL().Seconds()),
	}
	if hasScope(scope, "openid") {
		idToken, err := s.generator.IdentityToken(cl, clientID, nonce)
		if err != nil {
			return nil, domain.RefreshToken{}, fmt.Errorf("mint identity token: %w", err)
		}
		resp.IDToken = idToken
	}

	subject, _ := strconv.ParseInt(cl.Subject, 10, 64)
	refresh := domain.RefreshToken{
		ID:        s.node.Generate().Int64(),
		Token:     randomToken(s.opts.RefreshBytes),
		ClientID:  clientID,
		AccountID: subject,
		Scope:     scope,
		ExpiresAt: time.Now().Add(s.opts.RefreshTokenTTL),
	}
	resp.RefreshToken = refresh.Token
	return resp, refresh, nil
}

// storeCtx bounds a store round trip so a slow backend degrades to a
// declared failure instead of hanging the request.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *Service) storeErr(err error) error {
	e := domain.E(domain.KindUnavailable, "the service is temporarily unavailable")
	e.Err = err
	return e
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func appendQuery(base string, values url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func (s *Service) audit(event string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("event", event), zap.Time("timestamp", time.Now().UTC())}, fields...)
	s.log().Info("audit", all...)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
