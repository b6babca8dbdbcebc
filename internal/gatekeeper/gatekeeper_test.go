package gatekeeper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/claims"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/gatekeeper"
	"github.com/lumacart/identity/internal/token"
)

type fixture struct {
	keeper    *gatekeeper.Gatekeeper
	generator *token.Generator
	keys      *token.KeyManager
	accounts  *stubAccountRepo
}

func newFixture(t *testing.T, accessTTL time.Duration) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	keys := token.NewKeyManager(&stubKeyRepo{}, node)
	require.NoError(t, keys.Load(context.Background()))
	generator := token.NewGenerator(keys, "https://id.lumacart.dev", "lumacart-api", accessTTL)

	accounts := &stubAccountRepo{byID: map[int64]domain.Account{
		42: {ID: 42, Username: "omar", Email: "omar@lumacart.dev", FirstName: "Omar", Roles: []string{"User"}, Active: true},
		43: {ID: 43, Username: "root", Email: "ops@lumacart.dev", Roles: []string{"User", "Admin"}, Active: true},
	}}

	keeper := gatekeeper.New(generator, claims.NewMapper(accounts), zap.NewNop())
	return &fixture{keeper: keeper, generator: generator, keys: keys, accounts: accounts}
}

func (f *fixture) token(t *testing.T, accountID int64) string {
	t.Helper()
	cl, err := claims.NewMapper(f.accounts).Map(context.Background(), accountID)
	require.NoError(t, err)
	raw, err := f.generator.AccessToken(cl, "storefront-spa", "openid profile")
	require.NoError(t, err)
	return raw
}

func (f *fixture) router(extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{f.keeper.Authenticate}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		principal, _ := gatekeeper.PrincipalFrom(c)
		c.JSON(http.StatusOK, gin.H{"sub": principal.Subject})
	})
	r.GET("/orders", handlers...)
	r.GET("/accounts/:id", handlers...)
	return r
}

func perform(r *gin.Engine, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t, time.Minute)
	r := f.router()

	w := perform(r, "/orders", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	w = perform(r, "/orders", "Basic dXNlcjpwYXNz")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(r, "/orders", "Bearer not.a.token")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidTokenPasses(t *testing.T) {
	f := newFixture(t, time.Minute)
	r := f.router()

	w := perform(r, "/orders", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "42", body["sub"])
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t, -time.Minute)
	r := f.router()

	w := perform(r, "/orders", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeactivatedSubjectIsUnauthorized(t *testing.T) {
	f := newFixture(t, time.Minute)
	r := f.router()
	raw := f.token(t, 42)

	w := perform(r, "/orders", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)

	f.accounts.setActive(42, false)
	w = perform(r, "/orders", "Bearer "+raw)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingRoleIsForbiddenNotUnauthorized(t *testing.T) {
	f := newFixture(t, time.Minute)
	r := f.router(f.keeper.Require("Admin"))

	w := perform(r, "/orders", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = perform(r, "/orders", "Bearer "+f.token(t, 43))
	require.Equal(t, http.StatusOK, w.Code)

	// no token is an authentication failure even on a role-guarded route
	w = perform(r, "/orders", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSelfOrRolePolicy(t *testing.T) {
	f := newFixture(t, time.Minute)
	r := f.router(f.keeper.RequireSelfOr("id", "Admin"))

	// owners reach their own resource
	w := perform(r, "/accounts/42", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusOK, w.Code)

	// other subjects without the role are forbidden
	w = perform(r, "/accounts/43", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusForbidden, w.Code)

	// admins reach anyone
	w = perform(r, "/accounts/42", "Bearer "+f.token(t, 43))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRemoteVerifierAgainstPublishedJWKS(t *testing.T) {
	f := newFixture(t, time.Minute)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set, err := f.keys.JWKS(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer jwks.Close()

	verifier := gatekeeper.NewRemoteVerifier(jwks.URL, "https://id.lumacart.dev", "lumacart-api", nil)
	std, custom, err := verifier.Validate(context.Background(), f.token(t, 42))
	require.NoError(t, err)
	require.Equal(t, "42", std.Subject)
	require.Equal(t, "storefront-spa", custom.ClientID)
}

func TestRemoteVerifierOutageDegradesToUnavailable(t *testing.T) {
	f := newFixture(t, time.Minute)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	down.Close()

	verifier := gatekeeper.NewRemoteVerifier(down.URL, "https://id.lumacart.dev", "lumacart-api", nil)
	_, _, err := verifier.Validate(context.Background(), f.token(t, 42))
	require.Error(t, err)
	require.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	gin.SetMode(gin.TestMode)
	keeper := gatekeeper.NewRemote(verifier, zap.NewNop())
	r := gin.New()
	r.GET("/orders", keeper.Authenticate, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(r, "/orders", "Bearer "+f.token(t, 42))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type stubAccountRepo struct {
	mu   sync.Mutex
	byID map[int64]domain.Account
}

func (m *stubAccountRepo) setActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.byID[id]
	acct.Active = active
	m.byID[id] = acct
}

func (m *stubAccountRepo) Create(ctx context.Context, acct domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[acct.ID] = acct
	return acct, nil
}

func (m *stubAccountRepo) GetByID(ctx context.Context, id int64) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.byID[id]
	if !ok {
		return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
	}
	return acct, nil
}

func (m *stubAccountRepo) GetByIdentifier(ctx context.Context, identifier string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.byID {
		if acct.Email == identifier || acct.Username == identifier {
			return acct, nil
		}
	}
	return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
}

func (m *stubAccountRepo) UpdateProfile(ctx context.Context, id int64, upd domain.AccountUpdate) (domain.Account, error) {
	return m.GetByID(ctx, id)
}

func (m *stubAccountRepo) SwapPasswordHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error) {
	return true, nil
}

func (m *stubAccountRepo) Deactivate(ctx context.Context, id int64) error {
	m.setActive(id, false)
	return nil
}

func (m *stubAccountRepo) RecordFailedLogin(ctx context.Context, id int64) (int, error) {
	return 0, nil
}

func (m *stubAccountRepo) ResetFailedLogins(ctx context.Context, id int64) error {
	return nil
}

type stubKeyRepo struct {
	mu   sync.Mutex
	keys []domain.SigningKey
}

func (m *stubKeyRepo) GetActive(ctx context.Context) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Active {
			return k, nil
		}
	}
	return domain.SigningKey{}, domain.E(domain.KindNotFound, "no active signing key")
}

func (m *stubKeyRepo) ListVerification(ctx context.Context) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SigningKey, len(m.keys))
	copy(out, m.keys)
	return out, nil
}

func (m *stubKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return key, nil
}

func (m *stubKeyRepo) Retire(ctx context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.keys {
		if k.KID == kid {
			m.keys[i].Active = false
		}
	}
	return nil
}
