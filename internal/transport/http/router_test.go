package http

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			Issuer:     "car-rental-auth",
			Audience:   []string{"car-rental-api"},
			BcryptCost: bcrypt.MinCost,
		},
		Clients: config.ClientsConfig{
			Admin: config.AdminClientConfig{
				ClientID:       "admin",
				ClientSecret:   "s3cret",
				Scopes:         []string{"all"},
				AccessTokenTTL: time.Hour,
			},
			Service: config.ServiceClientConfig{
				ClientID:        "car-rental-web",
				Scopes:          []string{"read"},
				AccessTokenTTL:  5 * time.Minute,
				RefreshTokenTTL: 24 * time.Hour,
			},
		},
	}
}

type brokenConfigurer struct{ app.Configurer }

func (brokenConfigurer) ClientRegistry() (*registry.Registry, error) {
	return nil, errors.New("boom")
}

func newTestRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()

	cfg := testConfig()
	conf := app.NewConfigurer(cfg)
	reg, err := conf.ClientRegistry()
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kp, err := keys.NewKeyPair(priv, "test-kid")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("Passw0rd!"), bcrypt.MinCost)
	require.NoError(t, err)
	users, err := memory.NewUsers(models.EndUser{
		FirstName: "Dana", LastName: "Driver", Email: "driver@example.com",
		PasswordHash: string(hash), Verified: true,
	})
	require.NoError(t, err)

	svc := service.New(reg, kp, memory.NewRefreshTokens(), users, cfg.Auth)

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h, err := NewRouter(svc, conf, opts)
	require.NoError(t, err)

	return h
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRouter_RegistryError(t *testing.T) {
	_, err := NewRouter(nil, brokenConfigurer{app.NewConfigurer(testConfig())}, Options{})
	require.Error(t, err)
}

func TestRouter_OpsEndpoints(t *testing.T) {
	ready := false
	reg := prometheus.NewRegistry()
	h := newTestRouter(t, Options{
		Ready:          func() bool { return ready },
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/livez", nil)).Code)
	require.Equal(t, http.StatusServiceUnavailable, do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	ready = true
	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestRouter_NoMetricsHandler(t *testing.T) {
	h := newTestRouter(t, Options{})
	require.Equal(t, http.StatusNotFound, do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestRouter_JWKSOnBothPaths(t *testing.T) {
	h := newTestRouter(t, Options{})

	a := do(h, httptest.NewRequest(http.MethodGet, "/oauth/jwks", nil))
	b := do(h, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, a.Code)
	require.Equal(t, http.StatusOK, b.Code)
	require.JSONEq(t, a.Body.String(), b.Body.String())
	require.Contains(t, a.Body.String(), `"kid":"test-kid"`)
}

func TestRouter_BasePath(t *testing.T) {
	h := newTestRouter(t, Options{BasePath: "/auth"})

	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/auth/oauth/jwks", nil)).Code)
	require.Equal(t, http.StatusNotFound, do(h, httptest.NewRequest(http.MethodGet, "/oauth/jwks", nil)).Code)
	// служебные эндпоинты остаются на корне
	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/livez", nil)).Code)
}

func TestRouter_BasePathInMetadataURLs(t *testing.T) {
	h := newTestRouter(t, Options{BasePath: "/auth"})

	req := httptest.NewRequest(http.MethodGet, "/auth/.well-known/oauth-authorization-server", nil)
	req.Host = "id.example.com"
	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "http://id.example.com/auth/oauth/token", body["token_endpoint"])
	require.Equal(t, "http://id.example.com/auth/oauth/jwks", body["jwks_uri"])
	require.Equal(t, "http://id.example.com/auth/oauth/revoke", body["revocation_endpoint"])
	require.Equal(t, "http://id.example.com/auth/oauth/check_token", body["introspection_endpoint"])
}

func TestRouter_ErrorCarriesRequestID(t *testing.T) {
	h := newTestRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader("grant_type=implicit"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-Id", "rid-42")
	rec := do(h, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "rid-42", rec.Header().Get("X-Request-Id"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unsupported_grant_type", body["error"])
	require.Equal(t, "rid-42", body["request_id"])
}

func TestRouter_PasswordGrantThenMe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newTestRouter(t, Options{Metrics: m, Timeout: time.Second})

	form := url.Values{
		"grant_type": {"password"},
		"username":   {"Driver@Example.com"},
		"password":   {"Passw0rd!"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("car-rental-web", "")
	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	req = httptest.NewRequest(http.MethodGet, "/endusers/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = do(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"email":"driver@example.com"`)

	require.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued.WithLabelValues("password", "car-rental-web")))
}
