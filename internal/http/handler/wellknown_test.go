package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/lumacart/identity/internal/config"
	"github.com/lumacart/identity/internal/domain"
	httpHandler "github.com/lumacart/identity/internal/http/handler"
	"github.com/lumacart/identity/internal/token"
)

func newTestHandler(t *testing.T) *httpHandler.AuthHandler {
	t.Helper()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	keys := token.NewKeyManager(&fakeKeyRepo{}, node)
	require.NoError(t, keys.Load(context.Background()))
	cfg := config.Config{Issuer: "https://id.lumacart.dev"}
	return httpHandler.NewAuthHandler(nil, keys, cfg)
}

func TestJWKSHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "https://id.lumacart.dev/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	handler.JWKS(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), "keys")
	require.NotContains(t, string(body), `"d"`)
}

func TestOpenIDConfigurationResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "https://id.lumacart.dev/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	handler.OpenIDConfig(c)

	res := w.Result()
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), `"authorization_endpoint":"https://id.lumacart.dev/oauth/authorize"`)
	require.Contains(t, string(body), `"jwks_uri":"https://id.lumacart.dev/.well-known/jwks.json"`)
	require.Contains(t, string(body), `"code_challenge_methods_supported":["S256"]`)
}

type fakeKeyRepo struct {
	keys []domain.SigningKey
}

func (f *fakeKeyRepo) GetActive(ctx context.Context) (domain.SigningKey, error) {
	for _, k := range f.keys {
		if k.Active {
			return k, nil
		}
	}
	return domain.SigningKey{}, domain.E(domain.KindNotFound, "no active signing key")
}

func (f *fakeKeyRepo) ListVerification(ctx context.Context) ([]domain.SigningKey, error) {
	out := make([]domain.SigningKey, len(f.keys))
	copy(out, f.keys)
	return out, nil
}

func (f *fakeKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	f.keys = append(f.keys, key)
	return key, nil
}

func (f *fakeKeyRepo) Retire(ctx context.Context, kid string) error {
	for i, k := range f.keys {
		if k.KID == kid {
			f.keys[i].Active = false
		}
	}
	return nil
}
