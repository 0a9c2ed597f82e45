package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/opencarrental/identity/internal/pkg/log"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// CheckToken — POST /oauth/check_token: интроспекция access-токена (RFC 7662)
// для аутентифицированного клиента. Недействительный токен — {"active": false}.
func (h *Handlers) CheckToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := parseForm(w, r); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	clientID, secret, err := h.clientCredentials(r)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	if _, err := h.svc.AuthenticateClient(ctx, clientID, secret, ""); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		apierrors.WriteError(w, r, apierrors.ErrInvalidRequest)
		return
	}

	w.Header().Set("Cache-Control", "no-store")

	at, err := h.svc.ValidateAccessToken(ctx, token)
	if err != nil {
		log.From(ctx).Debug("introspection_inactive", slog.String("err", err.Error()))
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, introspectionResponse{
		Active:    true,
		Subject:   at.Subject,
		ClientID:  at.ClientID,
		Scope:     strings.Join(at.Scopes, " "),
		ExpiresAt: at.ExpiresAt.Unix(),
		IssuedAt:  at.IssuedAt.Unix(),
		JTI:       at.ID,
		TokenType: "bearer",
	})
}
