package issuer_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/account"
	"github.com/lumacart/identity/internal/claims"
	"github.com/lumacart/identity/internal/clients"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/issuer"
	"github.com/lumacart/identity/internal/password"
	"github.com/lumacart/identity/internal/pkce"
	"github.com/lumacart/identity/internal/token"
)

const (
	spaClientID     = "storefront-spa"
	trustedClientID = "checkout-backend"
	trustedSecret   = "backend-secret"
	callbackURI     = "https://shop.lumacart.dev/callback"
	landingURI      = "https://shop.lumacart.dev/"
)

type fixture struct {
	svc       *issuer.Service
	generator *token.Generator
	accounts  *memoryAccountRepo
	codes     *memoryCodeRepo
	tokens    *memoryTokenRepo
	sessions  *memorySessionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hash, err := password.Hash("s3cret-pass")
	require.NoError(t, err)
	accounts := &memoryAccountRepo{byID: map[int64]domain.Account{
		10: {
			ID:           10,
			Username:     "ana",
			Email:        "ana@lumacart.dev",
			PasswordHash: hash,
			FirstName:    "Ana",
			LastName:     "Moreau",
			Roles:        []string{"User"},
			Active:       true,
		},
	}}

	secretHash, err := password.Hash(trustedSecret)
	require.NoError(t, err)
	registry, err := clients.NewRegistry([]domain.Client{
		{
			ClientID:               spaClientID,
			Public:                 true,
			GrantTypes:             []string{"authorization_code", "refresh_token"},
			Scopes:                 []string{"openid", "profile", "email"},
			RedirectURIs:           []string{callbackURI},
			PostLogoutRedirectURIs: []string{landingURI},
			RequirePKCE:            true,
			Active:                 true,
		},
		{
			ClientID:   trustedClientID,
			SecretHash: secretHash,
			GrantTypes: []string{"password", "refresh_token"},
			Scopes:     []string{"openid", "profile"},
			Active:     true,
		},
	}, clients.Options{})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	keys := token.NewKeyManager(&memoryKeyRepo{}, node)
	require.NoError(t, keys.Load(context.Background()))
	generator := token.NewGenerator(keys, "https://id.lumacart.dev", "lumacart-api", time.Minute)

	tokens := &memoryTokenRepo{byToken: map[string]domain.RefreshToken{}}
	codes := &memoryCodeRepo{byCode: map[string]domain.AuthorizationCode{}, tokens: tokens}
	sessions := &memorySessionStore{byID: map[string]domain.LoginSession{}}

	logger := zap.NewNop()
	accountSvc := account.NewService(accounts, tokens, node, 5, logger)
	svc := issuer.NewService(
		registry,
		accountSvc,
		claims.NewMapper(accounts),
		codes,
		tokens,
		sessions,
		generator,
		node,
		issuer.Options{
			AuthCodeTTL:          2 * time.Minute,
			SessionTTL:           10 * time.Minute,
			RefreshTokenTTL:      time.Hour,
			RefreshBytes:         32,
			StoreTimeout:         time.Second,
			PasswordGrantClients: []string{trustedClientID},
		},
		logger,
	)
	return &fixture{svc: svc, generator: generator, accounts: accounts, codes: codes, tokens: tokens, sessions: sessions}
}

func (f *fixture) authorize(t *testing.T, verifier string) string {
	t.Helper()
	session, err := f.svc.BeginAuthorize(context.Background(), issuer.AuthorizeRequest{
		ClientID:        spaClientID,
		RedirectURI:     callbackURI,
		ResponseType:    "code",
		Scope:           "openid profile",
		State:           "xyz",
		Nonce:           "n-0S6_WzA2Mj",
		CodeChallenge:   pkce.Challenge(verifier),
		ChallengeMethod: pkce.MethodS256,
	})
	require.NoError(t, err)

	redirect, err := f.svc.CompleteAuthorize(context.Background(), session.ID, "ana@lumacart.dev", "s3cret-pass")
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, callbackURI))
	require.Equal(t, "xyz", parsed.Query().Get("state"))
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, verifier)

	resp, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer", resp.TokenType)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, 60, resp.ExpiresIn)

	std, custom, err := f.generator.Validate(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "10", std.Subject)
	require.Equal(t, spaClientID, custom.ClientID)
	require.Contains(t, custom.Roles, "User")
	require.Equal(t, "ana@lumacart.dev", custom.Email)
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, verifier)

	req := issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	}
	_, err = f.svc.Exchange(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.Exchange(context.Background(), req)
	requireProtocolError(t, err, domain.ErrCodeInvalidGrant)
}

func TestWrongVerifierRejected(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, verifier)

	other, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	_, err = f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: other,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidGrant)

	// the failed attempt must not have consumed the code
	_, err = f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	})
	require.NoError(t, err)
}

func TestPublicClientMustSendChallenge(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BeginAuthorize(context.Background(), issuer.AuthorizeRequest{
		ClientID:     spaClientID,
		RedirectURI:  callbackURI,
		ResponseType: "code",
		Scope:        "openid",
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidRequest)
}

func TestUnregisteredRedirectRejectedBeforeLogin(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	_, err = f.svc.BeginAuthorize(context.Background(), issuer.AuthorizeRequest{
		ClientID:        spaClientID,
		RedirectURI:     "https://evil.example.com/callback",
		ResponseType:    "code",
		Scope:           "openid",
		CodeChallenge:   pkce.Challenge(verifier),
		ChallengeMethod: pkce.MethodS256,
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidRedirectURI)
	require.Empty(t, f.sessions.byID)
}

func TestBadCredentialsMintNoCode(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	session, err := f.svc.BeginAuthorize(context.Background(), issuer.AuthorizeRequest{
		ClientID:        spaClientID,
		RedirectURI:     callbackURI,
		ResponseType:    "code",
		Scope:           "openid",
		CodeChallenge:   pkce.Challenge(verifier),
		ChallengeMethod: pkce.MethodS256,
	})
	require.NoError(t, err)

	_, err = f.svc.CompleteAuthorize(context.Background(), session.ID, "ana@lumacart.dev", "wrong-pass")
	require.Error(t, err)
	require.Equal(t, domain.KindAuthentication, domain.KindOf(err))
	require.EqualError(t, err, domain.AuthFailureMessage)
	require.Empty(t, f.codes.byCode)
}

func TestPasswordGrantRequiresAllowList(t *testing.T) {
	f := newFixture(t)

	// the SPA is not on the allow-list and never gets the grant
	_, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType: "password",
		ClientID:  spaClientID,
		Username:  "ana@lumacart.dev",
		Password:  "s3cret-pass",
	})
	requireProtocolError(t, err, domain.ErrCodeUnauthorizedClient)

	resp, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "password",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		Username:     "ana@lumacart.dev",
		Password:     "s3cret-pass",
		Scope:        "openid profile",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
}

func TestRefreshRotationInvalidatesPredecessor(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "password",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		Username:     "ana@lumacart.dev",
		Password:     "s3cret-pass",
		Scope:        "openid",
	})
	require.NoError(t, err)

	second, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEmpty(t, second.IDToken)

	_, err = f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		RefreshToken: first.RefreshToken,
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidGrant)
}

func TestDeactivatedSubjectCannotRedeem(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, verifier)

	f.accounts.setActive(10, false)

	_, err = f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidGrant)
}

func TestDeactivatedSubjectCannotRefresh(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "password",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		Username:     "ana@lumacart.dev",
		Password:     "s3cret-pass",
	})
	require.NoError(t, err)

	f.accounts.setActive(10, false)

	_, err = f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		RefreshToken: resp.RefreshToken,
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidGrant)
}

func TestStoreOutageAnsweredAsUnavailable(t *testing.T) {
	f := newFixture(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, verifier)

	exchange := issuer.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callbackURI,
		ClientID:     spaClientID,
	}

	f.codes.getErr = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	_, err = f.svc.Exchange(context.Background(), exchange)
	require.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	// the outage did not consume the code; the same exchange can be retried
	f.codes.getErr = nil
	resp, err := f.svc.Exchange(context.Background(), exchange)
	require.NoError(t, err)

	refresh := issuer.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		ClientID:     spaClientID,
	}

	f.tokens.getErr = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	_, err = f.svc.Exchange(context.Background(), refresh)
	require.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	f.tokens.getErr = nil
	_, err = f.svc.Exchange(context.Background(), refresh)
	require.NoError(t, err)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
	})
	requireProtocolError(t, err, domain.ErrCodeUnsupportedGrant)
}

func TestLogoutRevokesAndValidatesRedirect(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Exchange(context.Background(), issuer.TokenRequest{
		GrantType:    "password",
		ClientID:     trustedClientID,
		ClientSecret: trustedSecret,
		Username:     "ana@lumacart.dev",
		Password:     "s3cret-pass",
	})
	require.NoError(t, err)

	target, err := f.svc.Logout(context.Background(), issuer.LogoutRequest{
		ClientID:              spaClientID,
		RefreshToken:          resp.RefreshToken,
		PostLogoutRedirectURI: landingURI,
	})
	require.NoError(t, err)
	require.Equal(t, landingURI, target)
	require.True(t, f.tokens.byToken[resp.RefreshToken].Revoked)

	_, err = f.svc.Logout(context.Background(), issuer.LogoutRequest{
		ClientID:              spaClientID,
		PostLogoutRedirectURI: "https://evil.example.com/",
	})
	requireProtocolError(t, err, domain.ErrCodeInvalidRedirectURI)
}

func requireProtocolError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := domain.AsError(err)
	require.True(t, ok, "expected a classified error, got %v", err)
	require.Equal(t, code, e.Code)
}

type memoryAccountRepo struct {
	mu   sync.Mutex
	byID map[int64]domain.Account
}

func (m *memoryAccountRepo) setActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	acct.Active = active
	m.byID[id] = acct
}

func (m *memoryAccountRepo) Create(ctx context.Context, acct domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[acct.ID] = acct
	return acct, nil
}

func (m *memoryAccountRepo) GetByID(ctx context.Context, id int64) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.byID[id]
	if !ok {
		return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
	}
	return acct, nil
}

func (m *memoryAccountRepo) GetByIdentifier(ctx context.Context, identifier string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.byID {
		if acct.Email == identifier || acct.Username == identifier || acct.Phone == identifier {
			return acct, nil
		}
	}
	return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
}

func (m *memoryAccountRepo) UpdateProfile(ctx context.Context, id int64, upd domain.AccountUpdate) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	if upd.Email != nil {
		acct.Email = *upd.Email
	}
	if upd.FirstName != nil {
		acct.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		acct.LastName = *upd.LastName
	}
	if upd.Phone != nil {
		acct.Phone = *upd.Phone
	}
	m.byID[id] = acct
	return acct, nil
}

func (m *memoryAccountRepo) SwapPasswordHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	if acct.PasswordHash != oldHash {
		return false, nil
	}
	acct.PasswordHash = newHash
	m.byID[id] = acct
	return true, nil
}

func (m *memoryAccountRepo) Deactivate(ctx context.Context, id int64) error {
	m.setActive(id, false)
	return nil
}

func (m *memoryAccountRepo) RecordFailedLogin(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	acct.FailedLogins++
	m.byID[id] = acct
	return acct.FailedLogins, nil
}

func (m *memoryAccountRepo) ResetFailedLogins(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	acct.FailedLogins = 0
	m.byID[id] = acct
	return nil
}

type memoryCodeRepo struct {
	mu     sync.Mutex
	byCode map[string]domain.AuthorizationCode
	tokens *memoryTokenRepo

	// getErr simulates a store outage on lookups when set
	getErr error
}

func (m *memoryCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCode[code.Code] = code
	return nil
}

func (m *memoryCodeRepo) Get(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.AuthorizationCode{}, m.getErr
	}
	stored, ok := m.byCode[code]
	if !ok {
		return domain.AuthorizationCode{}, domain.E(domain.KindNotFound, "authorization code not found")
	}
	return stored, nil
}

func (m *memoryCodeRepo) Consume(ctx context.Context, code string, issued domain.RefreshToken) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byCode[code]
	if !ok || stored.Consumed {
		return false, nil
	}
	stored.Consumed = true
	m.byCode[code] = stored
	if err := m.tokens.Create(ctx, issued); err != nil {
		return false, err
	}
	return true, nil
}

type memoryTokenRepo struct {
	mu      sync.Mutex
	byToken map[string]domain.RefreshToken
	getErr  error
}

func (m *memoryTokenRepo) Create(ctx context.Context, token domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[token.Token] = token
	return nil
}

func (m *memoryTokenRepo) GetByToken(ctx context.Context, value string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.RefreshToken{}, m.getErr
	}
	stored, ok := m.byToken[value]
	if !ok {
		return domain.RefreshToken{}, domain.E(domain.KindNotFound, "refresh token not found")
	}
	return stored, nil
}

func (m *memoryTokenRepo) Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byToken[oldToken]
	if !ok || stored.Revoked || time.Now().After(stored.ExpiresAt) {
		return false, nil
	}
	delete(m.byToken, oldToken)
	stored.Token = newToken
	stored.ExpiresAt = expiresAt
	m.byToken[newToken] = stored
	return true, nil
}

func (m *memoryTokenRepo) Revoke(ctx context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byToken[value]
	if !ok {
		return domain.E(domain.KindNotFound, "refresh token not found")
	}
	stored.Revoked = true
	m.byToken[value] = stored
	return nil
}

func (m *memoryTokenRepo) RevokeAllForAccount(ctx context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, stored := range m.byToken {
		if stored.AccountID == accountID {
			stored.Revoked = true
			m.byToken[k] = stored
		}
	}
	return nil
}

type memoryKeyRepo struct {
	mu   sync.Mutex
	keys []domain.SigningKey
}

func (m *memoryKeyRepo) GetActive(ctx context.Context) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Active {
			return k, nil
		}
	}
	return domain.SigningKey{}, domain.E(domain.KindNotFound, "no active signing key")
}

func (m *memoryKeyRepo) ListVerification(ctx context.Context) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SigningKey, len(m.keys))
	copy(out, m.keys)
	return out, nil
}

func (m *memoryKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return key, nil
}

func (m *memoryKeyRepo) Retire(ctx context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.keys {
		if k.KID == kid {
			m.keys[i].Active = false
		}
	}
	return nil
}

type memorySessionStore struct {
	mu   sync.Mutex
	byID map[string]domain.LoginSession
}

func (m *memorySessionStore) Save(ctx context.Context, session domain.LoginSession, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[session.ID] = session
	return nil
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (*domain.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}
