package handlers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/opencarrental/identity/internal/app"
	"github.com/opencarrental/identity/internal/config"
	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/metrics"
	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/registry"
	"github.com/opencarrental/identity/internal/service"
	"github.com/opencarrental/identity/internal/storage/memory"
	"github.com/opencarrental/identity/internal/transport/http/middleware"
)

const (
	adminID     = "admin"
	adminSecret = "admin-secret"
	webID       = "car-rental-web"
	userEmail   = "driver@example.com"
	userPW      = "Passw0rd!"
)

var (
	keyOnce sync.Once
	keyPair *keys.KeyPair
	keyErr  error
)

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()

	keyOnce.Do(func() {
		var priv *rsa.PrivateKey
		priv, keyErr = rsa.GenerateKey(rand.Reader, 2048)
		if keyErr != nil {
			return
		}
		keyPair, keyErr = keys.NewKeyPair(priv, "")
	})
	require.NoError(t, keyErr)

	return keyPair
}

func mustHash(t *testing.T, s string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

type env struct {
	router http.Handler
	user   *models.EndUser
	other  *models.EndUser
}

func newEnv(t *testing.T, policy app.SecurityPolicy) *env {
	t.Helper()
	return newEnvWithMetrics(t, policy, nil)
}

func newEnvWithMetrics(t *testing.T, policy app.SecurityPolicy, m *metrics.Metrics) *env {
	t.Helper()

	reg, err := registry.New(
		models.ClientRegistration{
			ClientID:       adminID,
			SecretHash:     mustHash(t, adminSecret),
			GrantTypes:     []models.GrantType{models.GrantClientCredentials},
			Scopes:         []string{"all"},
			AccessTokenTTL: time.Hour,
		},
		models.ClientRegistration{
			ClientID:        webID,
			GrantTypes:      []models.GrantType{models.GrantPassword, models.GrantRefreshToken},
			Scopes:          []string{"read"},
			AccessTokenTTL:  5 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
		},
	)
	require.NoError(t, err)

	users, err := memory.NewUsers()
	require.NoError(t, err)

	ctx := context.Background()
	user, err := users.SaveUser(ctx, models.EndUser{
		FirstName: "Dana", LastName: "Driver", Email: userEmail,
		PasswordHash: mustHash(t, userPW), Verified: true,
	})
	require.NoError(t, err)
	other, err := users.SaveUser(ctx, models.EndUser{
		FirstName: "Olga", LastName: "Other", Email: "other@example.com",
		PasswordHash: mustHash(t, "x"),
	})
	require.NoError(t, err)

	svc := service.New(reg, mustKeyPair(t), memory.NewRefreshTokens(), users, config.AuthConfig{
		Issuer:     "car-rental-auth",
		Audience:   []string{"car-rental-api"},
		BcryptCost: bcrypt.MinCost,
	})

	policy.Issuer = "car-rental-auth"
	ep := app.DefaultEndpoints()
	h := New(svc, policy, ep, Metadata{GrantTypes: reg.GrantTypes(), Scopes: reg.Scopes()}, m)

	r := chi.NewRouter()
	r.Post(ep.Token, h.Token)
	r.Post(ep.Revoke, h.Revoke)
	r.Post(ep.CheckToken, h.CheckToken)
	r.Get(ep.JWKS, h.JWKS)
	r.Get(ep.TokenKey, h.TokenKey)
	r.Get(ep.Metadata, h.Metadata)
	protect := middleware.Protect(svc, "read", "all")
	r.Method(http.MethodGet, ep.EndUsers+"/me", protect(http.HandlerFunc(h.Me)))
	r.Method(http.MethodGet, ep.EndUsers+"/{id}", protect(http.HandlerFunc(h.EndUser)))

	return &env{router: r, user: user, other: other}
}

func (e *env) post(t *testing.T, path string, form url.Values, basicID, basicSecret string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(url.QueryEscape(basicID), url.QueryEscape(basicSecret))
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) get(t *testing.T, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *env) passwordToken(t *testing.T) tokenResponse {
	t.Helper()

	rec := e.post(t, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"username":   {userEmail},
		"password":   {userPW},
	}, webID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return decode[tokenResponse](t, rec)
}

func (e *env) adminToken(t *testing.T) tokenResponse {
	t.Helper()

	rec := e.post(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, adminID, adminSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return decode[tokenResponse](t, rec)
}

func TestToken_ClientCredentials(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	rec := e.post(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, adminID, adminSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decode[tokenResponse](t, rec)
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, "bearer", resp.TokenType)
	require.Equal(t, "all", resp.Scope)
	require.Equal(t, int64(3600), resp.ExpiresIn)
	require.Empty(t, resp.RefreshToken)
	require.NotEmpty(t, resp.JTI)
}

func TestToken_ClientCredentials_BadSecret(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	rec := e.post(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, adminID, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	require.Equal(t, "invalid_client", decode[map[string]any](t, rec)["error"])
}

func TestToken_PasswordAndRefresh(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	first := e.passwordToken(t)
	require.Equal(t, "read", first.Scope)
	require.Equal(t, int64(300), first.ExpiresIn)
	require.NotEmpty(t, first.RefreshToken)

	rec := e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, webID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := decode[tokenResponse](t, rec)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// повторное использование
	rec = e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, webID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "invalid_grant", body["error"])
	require.Equal(t, "invalid refresh token", body["error_description"])
}

func TestToken_PasswordBadCredentials(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	rec := e.post(t, "/oauth/token", url.Values{
		"grant_type": {"password"},
		"username":   {userEmail},
		"password":   {"nope"},
	}, webID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "invalid_grant", body["error"])
	require.Equal(t, "bad credentials", body["error_description"])
}

func TestToken_RequestErrors(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	tests := []struct {
		name   string
		form   url.Values
		id     string
		status int
		code   string
	}{
		{"no grant type", url.Values{}, adminID, http.StatusBadRequest, "invalid_request"},
		{"unknown grant type", url.Values{"grant_type": {"implicit"}}, adminID, http.StatusBadRequest, "unsupported_grant_type"},
		{"no client auth", url.Values{"grant_type": {"client_credentials"}}, "", http.StatusUnauthorized, "invalid_client"},
		{"password without username", url.Values{"grant_type": {"password"}, "password": {"x"}}, webID, http.StatusBadRequest, "invalid_request"},
		{"refresh without token", url.Values{"grant_type": {"refresh_token"}}, webID, http.StatusBadRequest, "invalid_request"},
		{"scope outside client", url.Values{"grant_type": {"client_credentials"}, "scope": {"read"}}, adminID, http.StatusBadRequest, "invalid_scope"},
		{"grant not allowed", url.Values{"grant_type": {"client_credentials"}}, webID, http.StatusUnauthorized, "invalid_client"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := ""
			if tt.id == adminID {
				secret = adminSecret
			}
			rec := e.post(t, "/oauth/token", tt.form, tt.id, secret)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.code, decode[map[string]any](t, rec)["error"])
		})
	}
}

func TestToken_FormClientAuth(t *testing.T) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {adminID},
		"client_secret": {adminSecret},
	}

	denied := newEnv(t, app.SecurityPolicy{AllowFormClientAuth: false})
	rec := denied.post(t, "/oauth/token", form, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	allowed := newEnv(t, app.SecurityPolicy{AllowFormClientAuth: true})
	rec = allowed.post(t, "/oauth/token", form, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestToken_BasicAndFormSecretConflict(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{AllowFormClientAuth: true})

	rec := e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_secret": {adminSecret},
	}, adminID, adminSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decode[map[string]any](t, rec)["error"])
}

func TestJWKSAndTokenKey(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})

	rec := e.get(t, "/oauth/jwks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	set := decode[keys.KeySet](t, rec)
	require.Len(t, set.Keys, 1)
	require.Equal(t, "RS256", set.Keys[0].Alg)
	require.Equal(t, mustKeyPair(t).KID(), set.Keys[0].Kid)

	rec = e.get(t, "/oauth/token_key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tk := decode[tokenKeyResponse](t, rec)
	require.Equal(t, "RS256", tk.Alg)
	require.Equal(t, set.Keys[0].Kid, tk.Kid)
	require.Contains(t, tk.Value, "BEGIN PUBLIC KEY")
}

func TestCheckToken(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})
	tok := e.passwordToken(t)

	rec := e.post(t, "/oauth/check_token", url.Values{"token": {tok.AccessToken}}, adminID, adminSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[introspectionResponse](t, rec)
	require.True(t, resp.Active)
	require.Equal(t, e.user.ID, resp.Subject)
	require.Equal(t, webID, resp.ClientID)
	require.Equal(t, "read", resp.Scope)
	require.Equal(t, tok.JTI, resp.JTI)

	rec = e.post(t, "/oauth/check_token", url.Values{"token": {"garbage"}}, adminID, adminSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decode[introspectionResponse](t, rec).Active)

	rec = e.post(t, "/oauth/check_token", url.Values{}, adminID, adminSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.post(t, "/oauth/check_token", url.Values{"token": {tok.AccessToken}}, adminID, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevoke(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})
	tok := e.passwordToken(t)

	rec := e.post(t, "/oauth/revoke", url.Values{"token": {tok.RefreshToken}}, webID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}, webID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// неизвестный токен — тоже 200
	rec = e.post(t, "/oauth/revoke", url.Values{"token": {"unknown"}}, webID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.post(t, "/oauth/revoke", url.Values{}, webID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetadata(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{AllowFormClientAuth: true})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	req.Host = "auth.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	md := decode[metadataResponse](t, rec)
	require.Equal(t, "car-rental-auth", md.Issuer)
	require.Equal(t, "https://auth.example.com/oauth/token", md.TokenEndpoint)
	require.Equal(t, "https://auth.example.com/oauth/jwks", md.JWKSURI)
	require.ElementsMatch(t, []models.GrantType{
		models.GrantClientCredentials, models.GrantPassword, models.GrantRefreshToken,
	}, md.GrantTypesSupported)
	require.ElementsMatch(t, []string{"all", "read"}, md.ScopesSupported)
	require.Contains(t, md.TokenEndpointAuthMethods, "client_secret_post")
}

func TestEndUsers(t *testing.T) {
	e := newEnv(t, app.SecurityPolicy{})
	userTok := e.passwordToken(t)
	adminTok := e.adminToken(t)

	t.Run("me", func(t *testing.T) {
		rec := e.get(t, "/endusers/me", userTok.AccessToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decode[map[string]any](t, rec)
		require.Equal(t, e.user.ID, body["id"])
		require.Equal(t, userEmail, body["email"])
		require.Equal(t, true, body["verified"])
		require.NotContains(t, body, "password_hash")
		require.Contains(t, body, "last_login_time")
	})

	t.Run("own id", func(t *testing.T) {
		rec := e.get(t, "/endusers/"+e.user.ID, userTok.AccessToken)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("other user needs all", func(t *testing.T) {
		rec := e.get(t, "/endusers/"+e.other.ID, userTok.AccessToken)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "insufficient_scope", decode[map[string]any](t, rec)["error"])
	})

	t.Run("admin reads any user", func(t *testing.T) {
		rec := e.get(t, "/endusers/"+e.other.ID, adminTok.AccessToken)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		require.Equal(t, "other@example.com", body["email"])
		require.NotContains(t, body, "last_login_time")
	})

	t.Run("admin me is not a user", func(t *testing.T) {
		rec := e.get(t, "/endusers/me", adminTok.AccessToken)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing bearer", func(t *testing.T) {
		rec := e.get(t, "/endusers/me", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := e.get(t, "/endusers/does-not-exist", adminTok.AccessToken)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestToken_UnknownGrantTypesShareOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newEnvWithMetrics(t, app.SecurityPolicy{}, m)

	for i := 0; i < 100; i++ {
		rec := e.post(t, "/oauth/token", url.Values{"grant_type": {"junk-" + strconv.Itoa(i)}}, adminID, adminSecret)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	require.Equal(t, 1, testutil.CollectAndCount(m.GrantFailures))
	require.Equal(t, 100.0, testutil.ToFloat64(
		m.GrantFailures.WithLabelValues(metrics.GrantUnsupported, metrics.ReasonUnsupported)))
}

func TestToken_FailureReasonsAreKnownCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newEnvWithMetrics(t, app.SecurityPolicy{}, m)

	rec := e.post(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}}, adminID, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.post(t, "/oauth/token", url.Values{}, adminID, adminSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, 1.0, testutil.ToFloat64(
		m.GrantFailures.WithLabelValues("client_credentials", metrics.ReasonInvalidClient)))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.GrantFailures.WithLabelValues("", metrics.ReasonInvalidRequest)))
}
