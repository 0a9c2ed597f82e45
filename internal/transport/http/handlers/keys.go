package handlers

import (
	"net/http"

	"github.com/opencarrental/identity/internal/keys"
)

// JWKS — GET /oauth/jwks и /.well-known/jwks.json. Без аутентификации.
func (h *Handlers) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.svc.VerificationKeys())
}

type tokenKeyResponse struct {
	Alg   string `json:"alg"`
	Kid   string `json:"kid"`
	Value string `json:"value"`
}

// TokenKey — GET /oauth/token_key: публичный ключ проверки в PEM.
func (h *Handlers) TokenKey(w http.ResponseWriter, r *http.Request) {
	set := h.svc.VerificationKeys()

	resp := tokenKeyResponse{Alg: keys.Algorithm, Value: h.svc.PublicKeyPEM()}
	if len(set.Keys) > 0 {
		resp.Kid = set.Keys[0].Kid
	}

	writeJSON(w, http.StatusOK, resp)
}
