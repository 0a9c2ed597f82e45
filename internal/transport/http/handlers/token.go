package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opencarrental/identity/internal/metrics"
	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/pkg/log"
	"github.com/opencarrental/identity/internal/service"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

// errClientAuthRequired — клиент не предъявил учётные данные допустимым способом.
var errClientAuthRequired = fmt.Errorf("client authentication required: %w", service.ErrInvalidClient)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	JTI          string `json:"jti"`
}

// Token — POST /oauth/token.
//
// grant_type: client_credentials | password | refresh_token.
// Ответ: {access_token, token_type, expires_in, scope, refresh_token?, jti}
// с Cache-Control: no-store.
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := parseForm(w, r); err != nil {
		h.failGrant(w, r, "", err)
		return
	}

	grantType := models.GrantType(r.PostForm.Get("grant_type"))
	ctx = log.With(ctx, slog.String("grant_type", string(grantType)))
	r = r.WithContext(ctx)

	if grantType == "" {
		h.failGrant(w, r, grantType, apierrors.ErrInvalidRequest)
		return
	}
	if !grantType.Valid() {
		h.failGrant(w, r, grantType, apierrors.ErrUnsupportedGrantType)
		return
	}

	clientID, secret, err := h.clientCredentials(r)
	if err != nil {
		h.failGrant(w, r, grantType, err)
		return
	}

	scopes := strings.Fields(r.PostForm.Get("scope"))

	var grant *models.TokenGrant

	switch grantType {
	case models.GrantClientCredentials:
		var client models.ClientRegistration
		client, err = h.svc.AuthenticateClientCredentials(ctx, clientID, secret)
		if err == nil {
			grant, err = h.svc.IssueTokens(ctx, client, nil, scopes)
		}

	case models.GrantPassword:
		username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
		if username == "" || password == "" {
			h.failGrant(w, r, grantType, apierrors.ErrInvalidRequest)
			return
		}

		var (
			client models.ClientRegistration
			ident  models.UserIdentity
		)
		client, ident, err = h.svc.AuthenticatePasswordGrant(ctx, clientID, secret, username, password)
		if err == nil {
			grant, err = h.svc.IssueTokens(ctx, client, &ident, scopes)
		}

	case models.GrantRefreshToken:
		plain := r.PostForm.Get("refresh_token")
		if plain == "" {
			h.failGrant(w, r, grantType, apierrors.ErrInvalidRequest)
			return
		}

		var client models.ClientRegistration
		client, err = h.svc.AuthenticateClient(ctx, clientID, secret, models.GrantRefreshToken)
		if err == nil {
			grant, err = h.svc.Refresh(ctx, plain, client, scopes)
		}
	}

	if err != nil {
		h.failGrant(w, r, grantType, err)
		return
	}

	h.metrics.Issued(string(grantType), clientID)

	resp := tokenResponse{
		AccessToken: grant.Access.Value,
		TokenType:   "bearer",
		ExpiresIn:   int64(grant.Access.ExpiresAt.Sub(grant.Access.IssuedAt) / time.Second),
		Scope:       strings.Join(grant.Access.Scopes, " "),
		JTI:         grant.Access.ID,
	}
	if grant.Refresh != nil {
		resp.RefreshToken = grant.Refresh.Value
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// failGrant пишет ошибку гранта и учитывает её в метриках.
// Метки ограничены известными значениями: неизвестный grant_type из запроса
// учитывается как metrics.GrantUnsupported.
func (h *Handlers) failGrant(w http.ResponseWriter, r *http.Request, grantType models.GrantType, err error) {
	_, body := apierrors.ToHTTP(err)

	label := string(grantType)
	if grantType != "" && !grantType.Valid() {
		label = metrics.GrantUnsupported
	}
	h.metrics.Failed(label, metrics.Reason(body.Code))
	if errors.Is(err, service.ErrTokenConsumed) {
		h.metrics.Replay()
	}

	log.From(r.Context()).Info("grant_rejected",
		slog.String("reason", body.Code),
		slog.String("err", err.Error()),
	)

	apierrors.WriteError(w, r, err)
}
