// handlers — HTTP-эндпоинты сервера авторизации: выдача токенов, JWKS,
// интроспекция, отзыв, метаданные и представление пользователя.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/opencarrental/identity/internal/app"
	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/metrics"
	"github.com/opencarrental/identity/internal/models"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

// maxFormBytes ограничивает тело form-запросов.
const maxFormBytes = 64 << 10

// Authorizer — операции сервера авторизации, нужные HTTP-слою.
type Authorizer interface {
	AuthenticateClient(ctx context.Context, clientID, secret string, grant models.GrantType) (models.ClientRegistration, error)
	AuthenticateClientCredentials(ctx context.Context, clientID, secret string) (models.ClientRegistration, error)
	AuthenticatePasswordGrant(ctx context.Context, clientID, clientSecret, username, password string) (models.ClientRegistration, models.UserIdentity, error)
	IssueTokens(ctx context.Context, client models.ClientRegistration, user *models.UserIdentity, scopes []string) (*models.TokenGrant, error)
	Refresh(ctx context.Context, plain string, client models.ClientRegistration, scopes []string) (*models.TokenGrant, error)
	RevokeRefreshToken(ctx context.Context, plain string, client models.ClientRegistration) error
	ValidateAccessToken(ctx context.Context, value string) (*models.AccessToken, error)
	VerificationKeys() keys.KeySet
	PublicKeyPEM() string
	EndUser(ctx context.Context, id string) (*models.EndUser, error)
}

// Metadata — сведения для /.well-known/oauth-authorization-server.
type Metadata struct {
	GrantTypes []models.GrantType
	Scopes     []string
	BasePath   string // префикс, под которым смонтированы эндпоинты
}

// Handlers агрегирует зависимости эндпоинтов.
type Handlers struct {
	svc       Authorizer
	policy    app.SecurityPolicy
	endpoints app.Endpoints
	meta      Metadata
	metrics   *metrics.Metrics
}

// New создаёт набор хендлеров. m может быть nil.
func New(svc Authorizer, policy app.SecurityPolicy, endpoints app.Endpoints, meta Metadata, m *metrics.Metrics) *Handlers {
	return &Handlers{
		svc:       svc,
		policy:    policy,
		endpoints: endpoints,
		meta:      meta,
		metrics:   m,
	}
}

// writeJSON — единый ответ JSON с нужным Content-Type.
// Ошибки выводим через apierrors.WriteError.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// parseForm разбирает application/x-www-form-urlencoded тело с ограничением размера.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return apierrors.ErrInvalidRequest
	}

	return nil
}

// clientCredentials извлекает client_id/client_secret: HTTP Basic
// (значения url-кодированы, RFC 6749 §2.3.1) или, если политика разрешает,
// параметры формы. Одновременное использование двух способов запрещено.
func (h *Handlers) clientCredentials(r *http.Request) (string, string, error) {
	if user, pass, ok := r.BasicAuth(); ok {
		id, err := url.QueryUnescape(user)
		if err != nil {
			return "", "", apierrors.ErrInvalidRequest
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return "", "", apierrors.ErrInvalidRequest
		}

		if r.PostForm.Get("client_secret") != "" {
			return "", "", apierrors.ErrInvalidRequest
		}
		if fid := r.PostForm.Get("client_id"); fid != "" && fid != id {
			return "", "", apierrors.ErrInvalidRequest
		}

		return id, secret, nil
	}

	id := r.PostForm.Get("client_id")
	if id == "" || !h.policy.AllowFormClientAuth {
		return "", "", errClientAuthRequired
	}

	return id, r.PostForm.Get("client_secret"), nil
}
