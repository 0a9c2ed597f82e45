package handlers

import (
	"net/http"

	"github.com/opencarrental/identity/internal/models"
)

type metadataResponse struct {
	Issuer                   string             `json:"issuer"`
	TokenEndpoint            string             `json:"token_endpoint"`
	JWKSURI                  string             `json:"jwks_uri"`
	RevocationEndpoint       string             `json:"revocation_endpoint"`
	IntrospectionEndpoint    string             `json:"introspection_endpoint"`
	GrantTypesSupported      []models.GrantType `json:"grant_types_supported"`
	ScopesSupported          []string           `json:"scopes_supported"`
	TokenEndpointAuthMethods []string           `json:"token_endpoint_auth_methods_supported"`
	ResponseTypesSupported   []string           `json:"response_types_supported"`
}

// Metadata — GET /.well-known/oauth-authorization-server (RFC 8414).
// Абсолютные URL строятся от хоста запроса и префикса монтирования.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r) + h.meta.BasePath

	methods := []string{"client_secret_basic", "none"}
	if h.policy.AllowFormClientAuth {
		methods = append(methods, "client_secret_post")
	}

	writeJSON(w, http.StatusOK, metadataResponse{
		Issuer:                   h.policy.Issuer,
		TokenEndpoint:            base + h.endpoints.Token,
		JWKSURI:                  base + h.endpoints.JWKS,
		RevocationEndpoint:       base + h.endpoints.Revoke,
		IntrospectionEndpoint:    base + h.endpoints.CheckToken,
		GrantTypesSupported:      h.meta.GrantTypes,
		ScopesSupported:          h.meta.Scopes,
		TokenEndpointAuthMethods: methods,
		ResponseTypesSupported:   []string{},
	})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}
