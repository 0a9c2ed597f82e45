package handlers

import (
	"net/http"

	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

// Revoke — POST /oauth/revoke (RFC 7009).
// Неизвестный токен — 200; токен другого клиента — invalid_grant.
// Access-токены не хранятся и не отзываются: для них ответ тоже 200.
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
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

	client, err := h.svc.AuthenticateClient(ctx, clientID, secret, "")
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		apierrors.WriteError(w, r, apierrors.ErrInvalidRequest)
		return
	}

	if err := h.svc.RevokeRefreshToken(ctx, token, client); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}
